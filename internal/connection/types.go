package connection

import (
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// Config controls the upstream session manager.
type Config struct {
	// Host is the TWS / IB Gateway address.
	Host string

	// Ports is tried in order until one accepts the handshake.
	Ports []int

	// ClientID identifies this session to the upstream API.
	ClientID int

	// ConnectTimeout bounds the wait for the post-handshake
	// next-valid-id message on each port attempt.
	ConnectTimeout time.Duration

	// ProbeInterval is how often the liveness probe runs while
	// connected. A session with no probe reply for three intervals is
	// declared dead.
	ProbeInterval time.Duration

	// ReconnectDelay is the base delay before a reconnect attempt.
	// Each consecutive failure adds two seconds, capped at
	// MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// TickBufferSize and ErrorBufferSize size the outbound event
	// channels. Ticks that cannot be buffered are dropped and counted.
	TickBufferSize  int
	ErrorBufferSize int
}

// DefaultConfig returns the standard session configuration.
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Ports:             []int{7497, 7496, 4002, 4001},
		ClientID:          1,
		ConnectTimeout:    10 * time.Second,
		ProbeInterval:     10 * time.Second,
		ReconnectDelay:    5 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		TickBufferSize:    4096,
		ErrorBufferSize:   256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if len(c.Ports) == 0 {
		c.Ports = def.Ports
	}
	if c.ClientID == 0 {
		c.ClientID = def.ClientID
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.TickBufferSize <= 0 {
		c.TickBufferSize = def.TickBufferSize
	}
	if c.ErrorBufferSize <= 0 {
		c.ErrorBufferSize = def.ErrorBufferSize
	}
}

// TickEvent is one decoded tick attributed to its subscription.
type TickEvent struct {
	RequestID int32
	Tick      model.TickMessage
}

// ErrorEvent is an upstream error attributed to a subscription, or to
// the session as a whole when RequestID is zero. A SeverityFatal event
// with RequestID zero means the session ended; consumers should
// terminate every stream that depended on it.
type ErrorEvent struct {
	RequestID int32
	Code      int
	Message   string
	Severity  Severity
}

// Stats is a point-in-time snapshot of the session manager.
type Stats struct {
	Connected           bool
	Port                int
	ActiveSubscriptions int
	TicksReceived       int64
	TicksDropped        int64
	Reconnects          int64
	LastProbeReply      time.Time
}

// subscription ties a request id back to the contract and tick type it
// was opened for, so inbound frames can be stamped into TickMessages.
type subscription struct {
	contractID int64
	tickType   model.TickType
}
