package router

import (
	"sync"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// Handler is the per-subscriber state held by the router: one upstream
// request id feeding one sink, with optional tick limit and deadline.
// A handler emits exactly one terminal event (a complete, or an
// unrecoverable error followed by its complete) and nothing after it.
type Handler struct {
	requestID  int32
	contractID int64
	tickType   model.TickType
	streamID   string
	sink       Sink
	startTime  time.Time

	limit    int64     // 0 = unlimited
	deadline time.Time // zero = none

	mu        sync.Mutex
	tickCount int64
	terminal  bool
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithLimit terminates the handler after n delivered ticks.
func WithLimit(n int64) HandlerOption {
	return func(h *Handler) { h.limit = n }
}

// WithDeadline terminates the handler with reason "timeout" once the
// clock passes t.
func WithDeadline(t time.Time) HandlerOption {
	return func(h *Handler) { h.deadline = t }
}

// NewHandler creates a handler for one subscription.
func NewHandler(requestID int32, contractID int64, tickType model.TickType, streamID string, sink Sink, opts ...HandlerOption) *Handler {
	h := &Handler{
		requestID:  requestID,
		contractID: contractID,
		tickType:   tickType,
		streamID:   streamID,
		sink:       sink,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RequestID returns the upstream request id this handler consumes.
func (h *Handler) RequestID() int32 { return h.requestID }

// StreamID returns the transport-level correlation id.
func (h *Handler) StreamID() string { return h.streamID }

// ContractID returns the subscribed contract.
func (h *Handler) ContractID() int64 { return h.contractID }

// Background reports whether this handler belongs to the background
// subscription manager.
func (h *Handler) Background() bool {
	return model.IsBackgroundRequest(h.requestID)
}

// deliverTick sends one tick to the sink, honoring deadline and limit.
// It reports whether the handler reached a terminal state.
func (h *Handler) deliverTick(tick model.TickMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminal {
		return true
	}
	if !h.deadline.IsZero() && time.Now().After(h.deadline) {
		return h.completeLocked(ReasonTimeout)
	}

	h.tickCount++
	h.sink.OnTick(tick)

	if h.limit > 0 && h.tickCount >= h.limit {
		return h.completeLocked(ReasonLimitReached)
	}
	return false
}

// warn delivers a recoverable error without terminating.
func (h *Handler) warn(code, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return
	}
	h.sink.OnError(code, msg, true)
}

// fail terminates the handler with an unrecoverable error followed by
// its complete event.
func (h *Handler) fail(code, msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return true
	}
	h.sink.OnError(code, msg, false)
	return h.completeLocked(ReasonError)
}

// complete terminates the handler with the given reason.
func (h *Handler) complete(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return true
	}
	return h.completeLocked(reason)
}

func (h *Handler) completeLocked(reason string) bool {
	h.terminal = true
	h.sink.OnComplete(reason, h.tickCount)
	return true
}

// expired reports whether the deadline has passed on a live handler.
func (h *Handler) expired(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.terminal && !h.deadline.IsZero() && now.After(h.deadline)
}

// info snapshots the handler for the active-streams listing.
func (h *Handler) info() HandlerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandlerInfo{
		RequestID:  h.requestID,
		ContractID: h.contractID,
		TickType:   h.tickType,
		StreamID:   h.streamID,
		StartTime:  h.startTime,
		TickCount:  h.tickCount,
		Limit:      h.limit,
		Deadline:   h.deadline,
		Background: h.Background(),
	}
}
