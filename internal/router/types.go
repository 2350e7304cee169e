package router

import (
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// Error codes carried on error frames.
const (
	CodeConnectionError  = "CONNECTION_ERROR"
	CodeContractNotFound = "CONTRACT_NOT_FOUND"
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeRateLimit        = "RATE_LIMIT_EXCEEDED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeBufferOverflow   = "BUFFER_OVERFLOW"
	CodeSlowConsumer     = "SLOW_CONSUMER"
	CodeStorageError     = "STORAGE_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Completion reasons carried on complete frames.
const (
	ReasonLimitReached     = "limit_reached"
	ReasonTimeout          = "timeout"
	ReasonClientDisconnect = "client_disconnect"
	ReasonManualStop       = "manual_stop"
	ReasonError            = "error"
	ReasonServerShutdown   = "server_shutdown"
)

// Sink receives the event stream for one handler. Implementations must
// not block; the router calls sinks from its routing goroutine.
type Sink interface {
	// OnTick delivers one tick.
	OnTick(tick model.TickMessage)

	// OnError delivers an error. recoverable=false means the handler is
	// terminating and no further events follow except a final complete.
	OnError(code, message string, recoverable bool)

	// OnComplete delivers the terminal completion event.
	OnComplete(reason string, totalTicks int64)
}

// TickStore is the storage side of routing. Store must never block.
type TickStore interface {
	Store(tick model.TickMessage)
}

// Canceller releases an upstream subscription once its handler is gone.
type Canceller interface {
	Unsubscribe(requestID int32) error
}

// Config controls routing policy.
type Config struct {
	// StoreClientStreams persists ticks for interactive (client-opened)
	// handlers. Background handlers are always persisted.
	StoreClientStreams bool

	// SweepInterval is how often expired handler deadlines are reaped.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard routing policy.
func DefaultConfig() Config {
	return Config{
		StoreClientStreams: true,
		SweepInterval:      time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
}

// HandlerInfo is a point-in-time snapshot of one registered handler.
type HandlerInfo struct {
	RequestID  int32          `json:"request_id"`
	ContractID int64          `json:"contract_id"`
	TickType   model.TickType `json:"tick_type"`
	StreamID   string         `json:"stream_id"`
	StartTime  time.Time      `json:"start_time"`
	TickCount  int64          `json:"tick_count"`
	Limit      int64          `json:"limit,omitempty"`
	Deadline   time.Time      `json:"deadline,omitempty"`
	Background bool           `json:"background"`
}

// Stats contains routing counters.
type Stats struct {
	ActiveHandlers int
	TicksRouted    int64
	TicksUnrouted  int64
	TicksStored    int64
	ErrorsRouted   int64
}
