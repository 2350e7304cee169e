package contracts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Resolver answers contract-by-id lookups for the background manager.
type Resolver interface {
	ContractByID(ctx context.Context, symbol string, conID int64) (Contract, error)
}

// Service caches lookup responses in front of the HTTP client. The
// in-memory layer is always on; Redis is optional and shared across
// gateway instances.
type Service struct {
	client *Client
	ttl    time.Duration
	rdb    *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result  LookupResult
	expires time.Time
}

// NewService creates the caching resolver. rdb may be nil.
func NewService(client *Client, ttl time.Duration, rdb *redis.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		client:  client,
		ttl:     ttl,
		rdb:     rdb,
		logger:  logger,
		entries: make(map[string]cacheEntry),
	}
}

// Lookup returns the cached listing for a symbol, fetching on miss.
func (s *Service) Lookup(ctx context.Context, symbol string) (LookupResult, error) {
	if result, ok := s.fromMemory(symbol); ok {
		return result, nil
	}
	if result, ok := s.fromRedis(ctx, symbol); ok {
		s.toMemory(symbol, result)
		return result, nil
	}

	result, err := s.client.Lookup(ctx, symbol)
	if err != nil {
		return LookupResult{}, err
	}
	s.toMemory(symbol, result)
	s.toRedis(ctx, symbol, result)
	return result, nil
}

// ContractByID resolves one contract id via its symbol's listing.
func (s *Service) ContractByID(ctx context.Context, symbol string, conID int64) (Contract, error) {
	result, err := s.Lookup(ctx, symbol)
	if err != nil {
		return Contract{}, err
	}
	c, ok := result.FindByID(conID)
	if !ok {
		return Contract{}, fmt.Errorf("%w: %d (%s)", ErrContractNotFound, conID, symbol)
	}
	return c, nil
}

func (s *Service) fromMemory(symbol string) (LookupResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[symbol]
	if !ok || time.Now().After(entry.expires) {
		delete(s.entries, symbol)
		return LookupResult{}, false
	}
	return entry.result, true
}

func (s *Service) toMemory(symbol string, result LookupResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[symbol] = cacheEntry{result: result, expires: time.Now().Add(s.ttl)}
}

func redisKey(symbol string) string {
	return "ibstream:contracts:" + symbol
}

func (s *Service) fromRedis(ctx context.Context, symbol string) (LookupResult, bool) {
	if s.rdb == nil {
		return LookupResult{}, false
	}
	data, err := s.rdb.Get(ctx, redisKey(symbol)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("redis contract cache read failed", "symbol", symbol, "error", err)
		}
		return LookupResult{}, false
	}
	var result LookupResult
	if err := json.Unmarshal(data, &result); err != nil {
		s.logger.Warn("redis contract cache corrupt", "symbol", symbol, "error", err)
		return LookupResult{}, false
	}
	return result, true
}

func (s *Service) toRedis(ctx context.Context, symbol string, result LookupResult) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, redisKey(symbol), data, s.ttl).Err(); err != nil {
		s.logger.Warn("redis contract cache write failed", "symbol", symbol, "error", err)
	}
}
