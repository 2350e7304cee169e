package background

import (
	"context"
	"time"

	"github.com/lakowske/ib-stream/internal/connection"
	"github.com/lakowske/ib-stream/internal/markethours"
	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/tws"
)

// Upstream is the slice of the connection manager the background
// manager drives.
type Upstream interface {
	IsConnected() bool
	Subscribe(requestID int32, contract tws.Contract, tickType model.TickType) error
	Unsubscribe(requestID int32) error
	ContractDetails(ctx context.Context, contract tws.Contract) ([]tws.ContractDetails, error)
	Ticks() <-chan connection.TickEvent
	Errors() <-chan connection.ErrorEvent
}

// Config controls the background manager's cadences and thresholds.
type Config struct {
	// Tracked is the configured contract set. Immutable after start.
	Tracked []model.TrackedContract

	// CheckInterval is the connection-state poll cadence.
	CheckInterval time.Duration

	// MonitorInterval is the staleness monitor cadence.
	MonitorInterval time.Duration

	// StalenessThreshold is the regular-hours warning threshold. It is
	// relaxed 3x during extended hours and 10x when closed.
	StalenessThreshold time.Duration

	// RestartThreshold restarts a contract's subscriptions when its
	// data is older than this while the market is open.
	RestartThreshold time.Duration

	// TaskRestartDelay is the pause before a crashed loop restarts.
	TaskRestartDelay time.Duration
}

// DefaultConfig returns the standard background cadences.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      2 * time.Second,
		MonitorInterval:    60 * time.Second,
		StalenessThreshold: 15 * time.Minute,
		RestartThreshold:   30 * time.Minute,
		TaskRestartDelay:   5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = def.StalenessThreshold
	}
	if c.RestartThreshold <= 0 {
		c.RestartThreshold = def.RestartThreshold
	}
	if c.TaskRestartDelay <= 0 {
		c.TaskRestartDelay = def.TaskRestartDelay
	}
}

// Stats is a point-in-time snapshot of the background manager.
type Stats struct {
	Connected     bool
	Failures      int
	ActiveStreams map[int64][]model.TickType
	LastData      map[int64]time.Time
}

// ContractHealth is the per-contract health report used by the health
// endpoint.
type ContractHealth struct {
	ContractID      int64                    `json:"contract_id"`
	Symbol          string                   `json:"symbol"`
	Market          markethours.MarketStatus `json:"market_status"`
	Health          markethours.HealthStatus `json:"health"`
	ActiveStreams   int                      `json:"active_streams"`
	ExpectedStreams int                      `json:"expected_streams"`
	LastDataAge     string                   `json:"last_data_age,omitempty"`
}
