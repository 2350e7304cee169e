package api

import (
	"time"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/stream"
	"github.com/lakowske/ib-stream/internal/tws"
)

// Upstream is the interactive TWS session surface the server drives.
type Upstream interface {
	IsConnected() bool
	Subscribe(requestID int32, contract tws.Contract, tickType model.TickType) error
	Unsubscribe(requestID int32) error
}

// Config controls the HTTP server.
type Config struct {
	// Port the server listens on.
	Port int

	// MaxStreams caps active subscriptions per connection.
	MaxStreams int

	// MaxConnectionsPerIP caps concurrent WS/SSE connections per ip.
	MaxConnectionsPerIP int

	// MaxMessagesPerSec caps inbound WS messages per connection.
	MaxMessagesPerSec int

	// StreamTimeout is the default handler deadline. 0 = unlimited.
	StreamTimeout time.Duration

	// SendQueueSize is the per-subscriber outbound frame queue bound.
	SendQueueSize int

	// HeartbeatInterval is the idle keep-alive cadence.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard server limits.
func DefaultConfig() Config {
	return Config{
		Port:                8001,
		MaxStreams:          stream.DefaultMaxSubscriptions,
		MaxConnectionsPerIP: stream.DefaultMaxConnsPerIP,
		MaxMessagesPerSec:   stream.DefaultMaxMessagesPerSecond,
		SendQueueSize:       stream.DefaultQueueSize,
		HeartbeatInterval:   30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = def.MaxStreams
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = def.MaxConnectionsPerIP
	}
	if c.MaxMessagesPerSec <= 0 {
		c.MaxMessagesPerSec = def.MaxMessagesPerSec
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
}
