package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// ErrNoWriters means the orchestrator was built with no storage
// formats enabled.
var ErrNoWriters = errors.New("no storage writers configured")

// Config controls the storage orchestrator.
type Config struct {
	// QueueSize bounds each writer's ingest queue. A full queue drops
	// the newest message; producers never block.
	QueueSize int

	// BatchSize and FlushInterval bound a write batch: a worker flushes
	// after BatchSize messages or FlushInterval, whichever first.
	BatchSize     int
	FlushInterval time.Duration

	// Preferred is the format queries try first.
	Preferred string
}

// DefaultConfig returns the standard orchestrator settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     10_000,
		BatchSize:     100,
		FlushInterval: time.Second,
		Preferred:     FormatJSON,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.Preferred == "" {
		c.Preferred = def.Preferred
	}
}

// OrchestratorStats is a point-in-time snapshot of ingest counters.
type OrchestratorStats struct {
	Stored      int64
	Dropped     int64
	WriteErrors int64
	QueueDepths map[string]int
}

// Orchestrator fans stored ticks out to every registered writer and
// serves queries with preferred-writer fallback.
type Orchestrator interface {
	// Start launches one worker per writer.
	Start(ctx context.Context) error

	// Stop drains the queues, flushes pending batches, and waits for
	// the workers to exit.
	Stop(ctx context.Context) error

	// Store enqueues one tick for every writer. Never blocks; on a
	// full queue the message is dropped for that writer and counted.
	Store(tick model.TickMessage)

	// QueryRange queries the preferred writer, falling back to the
	// others in registration order on error.
	QueryRange(contractID int64, tickTypes []model.TickType, start, end time.Time, limit int) ([]model.TickMessage, error)

	// QuerySource queries one format ("json", "protobuf") or merges
	// "both", sorted by event timestamp ascending.
	QuerySource(source string, contractID int64, tickTypes []model.TickType, start, end time.Time, limit int) ([]model.TickMessage, error)

	// Formats lists the registered writer formats.
	Formats() []string

	// Stats returns ingest counters and queue depths.
	Stats() OrchestratorStats
}

type workerState struct {
	writer Writer
	queue  chan model.TickMessage
}

type orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	workers []*workerState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stored      atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64
}

// NewOrchestrator creates an orchestrator over the given writers.
func NewOrchestrator(cfg Config, writers []Writer, logger *slog.Logger) (Orchestrator, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if len(writers) == 0 {
		return nil, ErrNoWriters
	}

	o := &orchestrator{cfg: cfg, logger: logger}
	for _, w := range writers {
		o.workers = append(o.workers, &workerState{
			writer: w,
			queue:  make(chan model.TickMessage, cfg.QueueSize),
		})
	}
	return o, nil
}

func (o *orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	for _, ws := range o.workers {
		if err := ws.writer.Start(); err != nil {
			return fmt.Errorf("start %s writer: %w", ws.writer.Format(), err)
		}
		o.wg.Add(1)
		go o.drainLoop(ws)
	}

	o.logger.Info("storage orchestrator started",
		"formats", o.Formats(),
		"queue_size", o.cfg.QueueSize,
		"batch_size", o.cfg.BatchSize,
		"flush_interval", o.cfg.FlushInterval,
	)
	return nil
}

func (o *orchestrator) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("storage orchestrator stopped",
			"stored", o.stored.Load(),
			"dropped", o.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop: %w", ctx.Err())
	}
}

// Store enqueues the tick for every writer without blocking.
func (o *orchestrator) Store(tick model.TickMessage) {
	o.stored.Add(1)
	for _, ws := range o.workers {
		select {
		case ws.queue <- tick:
		default:
			if n := o.dropped.Add(1); n%1000 == 1 {
				o.logger.Warn("storage queue full, dropping",
					"format", ws.writer.Format(),
					"dropped_total", n,
				)
			}
		}
	}
}

func (o *orchestrator) Formats() []string {
	formats := make([]string, 0, len(o.workers))
	for _, ws := range o.workers {
		formats = append(formats, ws.writer.Format())
	}
	return formats
}

func (o *orchestrator) Stats() OrchestratorStats {
	depths := make(map[string]int, len(o.workers))
	for _, ws := range o.workers {
		depths[ws.writer.Format()] = len(ws.queue)
	}
	return OrchestratorStats{
		Stored:      o.stored.Load(),
		Dropped:     o.dropped.Load(),
		WriteErrors: o.writeErrors.Load(),
		QueueDepths: depths,
	}
}

// QueryRange tries the preferred writer first, then the rest in order.
// Results are not merged; the first writer to answer is authoritative.
func (o *orchestrator) QueryRange(contractID int64, tickTypes []model.TickType, start, end time.Time, limit int) ([]model.TickMessage, error) {
	var lastErr error
	for _, ws := range o.queryOrder() {
		results, err := ws.writer.QueryRange(contractID, tickTypes, start, end, limit)
		if err == nil {
			return results, nil
		}
		lastErr = err
		o.logger.Warn("query failed, trying next writer",
			"format", ws.writer.Format(),
			"error", err,
		)
	}
	return nil, lastErr
}

// QuerySource queries one named format, or merges all under "both".
func (o *orchestrator) QuerySource(source string, contractID int64, tickTypes []model.TickType, start, end time.Time, limit int) ([]model.TickMessage, error) {
	if source == "" {
		return o.QueryRange(contractID, tickTypes, start, end, limit)
	}
	if source == "both" {
		var merged []model.TickMessage
		for _, ws := range o.workers {
			results, err := ws.writer.QueryRange(contractID, tickTypes, start, end, limit)
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", ws.writer.Format(), err)
			}
			merged = append(merged, results...)
		}
		sortByTimestamp(merged)
		if limit > 0 && len(merged) > limit {
			merged = merged[:limit]
		}
		return merged, nil
	}

	for _, ws := range o.workers {
		if ws.writer.Format() == normalizeSource(source) {
			return ws.writer.QueryRange(contractID, tickTypes, start, end, limit)
		}
	}
	return nil, fmt.Errorf("unknown storage source %q", source)
}

// normalizeSource maps the wire spellings onto format names.
func normalizeSource(source string) string {
	switch source {
	case extProtobuf, FormatProtobuf:
		return FormatProtobuf
	default:
		return FormatJSON
	}
}

func (o *orchestrator) queryOrder() []*workerState {
	ordered := make([]*workerState, 0, len(o.workers))
	for _, ws := range o.workers {
		if ws.writer.Format() == o.cfg.Preferred {
			ordered = append(ordered, ws)
		}
	}
	for _, ws := range o.workers {
		if ws.writer.Format() != o.cfg.Preferred {
			ordered = append(ordered, ws)
		}
	}
	return ordered
}

// drainLoop is the only task that blocks on disk for its writer. It
// accumulates up to BatchSize messages or FlushInterval, then appends.
func (o *orchestrator) drainLoop(ws *workerState) {
	defer o.wg.Done()

	batch := make([]model.TickMessage, 0, o.cfg.BatchSize)
	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := ws.writer.WriteBatch(batch); err != nil {
			o.writeErrors.Add(1)
			o.logger.Error("batch write failed",
				"format", ws.writer.Format(),
				"batch_size", len(batch),
				"error", err,
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case msg := <-ws.queue:
			batch = append(batch, msg)
			if len(batch) >= o.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-o.ctx.Done():
			// Drain whatever is already queued, then flush and exit.
			for {
				select {
				case msg := <-ws.queue:
					batch = append(batch, msg)
					if len(batch) >= o.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func sortByTimestamp(messages []model.TickMessage) {
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].IBTimestampUS < messages[j].IBTimestampUS
	})
}
