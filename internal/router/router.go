package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakowske/ib-stream/internal/connection"
	"github.com/lakowske/ib-stream/internal/model"
)

// ErrDuplicateHandler means a handler was registered under a request id
// already in use. Request ids are unique per upstream session, so this
// is a caller bug.
var ErrDuplicateHandler = errors.New("duplicate handler registration")

// Router is the sole demultiplexing point between the upstream session
// and downstream consumers. It owns the request_id to handler mapping
// and is the only place ticks enter storage.
type Router interface {
	// Start begins consuming the upstream event channels.
	Start(ctx context.Context) error

	// Stop completes every handler with reason server_shutdown and
	// stops routing.
	Stop(ctx context.Context) error

	// Register adds a handler. Duplicate request ids are rejected.
	Register(h *Handler) error

	// Unregister removes a handler without emitting events. Idempotent.
	Unregister(requestID int32)

	// RouteTick delivers a tick to its handler and forwards it to
	// storage per policy. Reports whether a handler consumed it.
	RouteTick(requestID int32, tick model.TickMessage) bool

	// RouteError delivers a request-scoped upstream error. Reports
	// whether a handler consumed it.
	RouteError(requestID int32, code int, msg string) bool

	// SessionLost notifies every handler that the upstream session
	// ended and releases them all.
	SessionLost(reason string)

	// CancelContract terminates all interactive handlers for one
	// contract, returning how many were terminated.
	CancelContract(contractID int64, reason string) int

	// CancelAll terminates all interactive handlers.
	CancelAll(reason string) int

	// Active snapshots the registered handlers.
	Active() []HandlerInfo

	// Stats returns routing counters.
	Stats() Stats
}

type router struct {
	cfg      Config
	store    TickStore
	upstream Canceller
	logger   *slog.Logger

	ticks <-chan connection.TickEvent
	errs  <-chan connection.ErrorEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[int32]*Handler

	routed   atomic.Int64
	unrouted atomic.Int64
	stored   atomic.Int64
	errored  atomic.Int64
}

// New creates a router. store receives every persisted tick; upstream
// is told to release subscriptions whose handlers are gone (nil skips
// both). ticks and errs are the connection manager's event channels and
// may be nil when the caller routes directly.
func New(cfg Config, store TickStore, upstream Canceller, ticks <-chan connection.TickEvent, errs <-chan connection.ErrorEvent, logger *slog.Logger) Router {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		cfg:      cfg,
		store:    store,
		upstream: upstream,
		logger:   logger,
		ticks:    ticks,
		errs:     errs,
		handlers: make(map[int32]*Handler),
	}
}

// Start begins the routing and deadline-sweep loops.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.routeLoop()
	go r.sweepLoop()

	r.logger.Info("stream router started",
		"store_client_streams", r.cfg.StoreClientStreams,
	)
	return nil
}

// Stop terminates every handler with server_shutdown and waits for the
// loops to exit.
func (r *router) Stop(ctx context.Context) error {
	r.mu.Lock()
	handlers := r.handlers
	r.handlers = make(map[int32]*Handler)
	r.mu.Unlock()

	for _, h := range handlers {
		h.complete(ReasonServerShutdown)
	}

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("stream router stopped", "handlers_completed", len(handlers))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("router stop: %w", ctx.Err())
	}
}

func (r *router) Register(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.requestID]; exists {
		return fmt.Errorf("%w: request_id %d", ErrDuplicateHandler, h.requestID)
	}
	r.handlers[h.requestID] = h
	return nil
}

func (r *router) Unregister(requestID int32) {
	r.remove(requestID, true)
}

// remove drops a handler from the table and optionally releases the
// upstream subscription.
func (r *router) remove(requestID int32, cancelUpstream bool) {
	r.mu.Lock()
	_, existed := r.handlers[requestID]
	delete(r.handlers, requestID)
	r.mu.Unlock()

	if existed && cancelUpstream && r.upstream != nil {
		if err := r.upstream.Unsubscribe(requestID); err != nil {
			r.logger.Warn("upstream unsubscribe failed", "request_id", requestID, "error", err)
		}
	}
}

func (r *router) lookup(requestID int32) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[requestID]
}

// RouteTick delivers one tick. Storage forwarding happens here and only
// here: background handlers are always persisted, interactive handlers
// per the store_client_streams policy.
func (r *router) RouteTick(requestID int32, tick model.TickMessage) bool {
	h := r.lookup(requestID)
	if h == nil {
		r.unrouted.Add(1)
		r.logger.Debug("tick for unknown request", "request_id", requestID)
		return false
	}

	if r.store != nil && (h.Background() || r.cfg.StoreClientStreams) {
		r.store.Store(tick)
		r.stored.Add(1)
	}

	r.routed.Add(1)
	if terminal := h.deliverTick(tick); terminal {
		r.remove(requestID, true)
	}
	return true
}

// RouteError delivers a request-scoped upstream error. Contract-not-
// found terminates the handler; other scoped codes are recoverable
// warnings.
func (r *router) RouteError(requestID int32, code int, msg string) bool {
	h := r.lookup(requestID)
	if h == nil {
		r.logger.Debug("error for unknown request", "request_id", requestID, "code", code)
		return false
	}
	r.errored.Add(1)

	switch connection.Classify(code) {
	case connection.SeverityContractNotFound:
		h.fail(CodeContractNotFound, msg)
		r.remove(requestID, true)
	default:
		h.warn(CodeUpstreamError, fmt.Sprintf("upstream error %d: %s", code, msg))
	}
	return true
}

// SessionLost ends every handler: a recoverable connection error
// followed by complete{reason=error}. The upstream session is gone, so
// no unsubscribes are attempted.
func (r *router) SessionLost(reason string) {
	r.mu.Lock()
	handlers := r.handlers
	r.handlers = make(map[int32]*Handler)
	r.mu.Unlock()

	for _, h := range handlers {
		h.warn(CodeConnectionError, reason)
		h.complete(ReasonError)
	}
	if len(handlers) > 0 {
		r.logger.Warn("released handlers after session loss",
			"count", len(handlers),
			"reason", reason,
		)
	}
}

func (r *router) CancelContract(contractID int64, reason string) int {
	return r.cancelWhere(reason, func(h *Handler) bool {
		return !h.Background() && h.contractID == contractID
	})
}

func (r *router) CancelAll(reason string) int {
	return r.cancelWhere(reason, func(h *Handler) bool {
		return !h.Background()
	})
}

func (r *router) cancelWhere(reason string, match func(*Handler) bool) int {
	r.mu.RLock()
	var victims []*Handler
	for _, h := range r.handlers {
		if match(h) {
			victims = append(victims, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range victims {
		h.complete(reason)
		r.remove(h.requestID, true)
	}
	return len(victims)
}

func (r *router) Active() []HandlerInfo {
	r.mu.RLock()
	handlers := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(handlers))
	for _, h := range handlers {
		infos = append(infos, h.info())
	}
	return infos
}

func (r *router) Stats() Stats {
	r.mu.RLock()
	active := len(r.handlers)
	r.mu.RUnlock()
	return Stats{
		ActiveHandlers: active,
		TicksRouted:    r.routed.Load(),
		TicksUnrouted:  r.unrouted.Load(),
		TicksStored:    r.stored.Load(),
		ErrorsRouted:   r.errored.Load(),
	}
}

// routeLoop pumps the connection manager's typed channels into the
// routing table. A session-level fatal event releases all handlers.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.ticks:
			if !ok {
				return
			}
			r.RouteTick(ev.RequestID, ev.Tick)
		case ev, ok := <-r.errs:
			if !ok {
				return
			}
			if ev.RequestID == 0 && ev.Severity == connection.SeverityFatal {
				r.SessionLost(ev.Message)
				continue
			}
			r.RouteError(ev.RequestID, ev.Code, ev.Message)
		}
	}
}

// sweepLoop times out handlers whose deadline passed between ticks.
func (r *router) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.mu.RLock()
			var expired []*Handler
			for _, h := range r.handlers {
				if h.expired(now) {
					expired = append(expired, h)
				}
			}
			r.mu.RUnlock()

			for _, h := range expired {
				h.complete(ReasonTimeout)
				r.remove(h.requestID, true)
			}
		}
	}
}
