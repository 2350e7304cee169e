package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lakowske/ib-stream/internal/contracts"
	"github.com/lakowske/ib-stream/internal/model"
)

// ContractHandler receives each refreshed contract.
type ContractHandler interface {
	HandleContract(c contracts.Contract) error
}

// ContractHandlerFunc is a function adapter for ContractHandler.
type ContractHandlerFunc func(contracts.Contract) error

func (f ContractHandlerFunc) HandleContract(c contracts.Contract) error {
	return f(c)
}

// Config controls the refresh cadence.
type Config struct {
	Interval    time.Duration // Refresh interval
	Concurrency int           // Max concurrent lookups
	Timeout     time.Duration // Per-lookup timeout
}

// DefaultConfig returns the standard refresh cadence.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Minute,
		Concurrency: 8,
		Timeout:     10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
}

// Poller re-resolves every enabled tracked contract on a fixed
// interval.
type Poller struct {
	cfg      Config
	resolver contracts.Resolver
	tracked  []model.TrackedContract
	handler  ContractHandler
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a metadata poller. handler may be nil when only cache
// warming is wanted.
func New(cfg Config, resolver contracts.Resolver, tracked []model.TrackedContract, handler ContractHandler, logger *slog.Logger) *Poller {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:      cfg,
		resolver: resolver,
		tracked:  tracked,
		handler:  handler,
		logger:   logger,
	}
}

// Start begins the refresh loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("contract poller started",
		"interval", p.cfg.Interval,
		"contracts", len(p.tracked),
	)
	return nil
}

// Stop shuts down the refresh loop.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("contract poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Refresh immediately on start.
	p.refreshAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.refreshAll()
		}
	}
}

// refreshAll resolves every enabled tracked contract with bounded
// concurrency.
func (p *Poller) refreshAll() {
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	var refreshed, errors atomic.Int64

	for _, tc := range p.tracked {
		if !tc.Enabled {
			continue
		}
		g.Go(func() error {
			if err := p.refresh(tc); err != nil {
				p.logger.Warn("contract refresh failed",
					"contract_id", tc.ContractID,
					"symbol", tc.Symbol,
					"err", err,
				)
				errors.Add(1)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	g.Wait()

	p.logger.Info("contract refresh complete",
		"refreshed", refreshed.Load(),
		"errors", errors.Load(),
		"duration", time.Since(start),
	)
}

func (p *Poller) refresh(tc model.TrackedContract) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	c, err := p.resolver.ContractByID(ctx, tc.Symbol, tc.ContractID)
	if err != nil {
		return err
	}
	if p.handler != nil {
		return p.handler.HandleContract(c)
	}
	return nil
}
