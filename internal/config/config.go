package config

import (
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// Config is the root configuration for a gateway instance.
type Config struct {
	Instance   InstanceConfig        `yaml:"instance"`
	TWS        TWSConfig             `yaml:"tws"`
	Server     ServerConfig          `yaml:"server"`
	Storage    StorageConfig         `yaml:"storage"`
	Contracts  ContractServiceConfig `yaml:"contracts"`
	Background BackgroundConfig      `yaml:"background"`
	Metrics    MetricsConfig         `yaml:"metrics"`
	Archive    ArchiveConfig         `yaml:"archive"`
	Log        LogConfig             `yaml:"log"`

	// Tracked contracts whose ticks are captured continuously.
	Tracked []model.TrackedContract `yaml:"tracked_contracts"`
}

// InstanceConfig identifies this gateway.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// TWSConfig holds upstream TWS/Gateway connection settings.
type TWSConfig struct {
	Host           string        `yaml:"host"`
	Ports          []int         `yaml:"ports"` // Tried in order
	ClientID       int           `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`  // IsConnected re-verification cadence
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // Base delay between reconnect attempts
}

// ServerConfig holds the HTTP/WebSocket API server settings.
type ServerConfig struct {
	Port                int           `yaml:"port"`
	MaxStreams          int           `yaml:"max_streams"`           // Per-connection active subscription cap
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	MaxMessagesPerSec   int           `yaml:"max_messages_per_sec"` // Inbound WS message rate per connection
	StreamTimeout       time.Duration `yaml:"stream_timeout"`       // Default handler deadline; 0 = unlimited
	SendQueueSize       int           `yaml:"send_queue_size"`      // Per-subscriber outbound frame queue
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

// StorageConfig holds on-disk storage settings.
type StorageConfig struct {
	Path               string        `yaml:"path"`
	EnableJSON         bool          `yaml:"enable_json"`
	EnableProtobuf     bool          `yaml:"enable_protobuf"`
	StoreClientStreams bool          `yaml:"store_client_streams"` // Persist client-initiated streams too
	QueueSize          int           `yaml:"queue_size"`           // Per-writer enqueue capacity
	BatchSize          int           `yaml:"batch_size"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	Retention          time.Duration `yaml:"retention"`      // 0 = keep forever
	RetentionSchedule  string        `yaml:"retention_schedule"` // cron spec for the sweep
}

// ContractServiceConfig holds the contract-metadata lookup service settings.
type ContractServiceConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// RedisAddr enables the shared Redis cache layer when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// BackgroundConfig holds background subscription manager settings.
type BackgroundConfig struct {
	ClientIDOffset     int           `yaml:"client_id_offset"`    // Added to tws.client_id for the background session
	CheckInterval      time.Duration `yaml:"check_interval"`      // Connection-state poll cadence
	MonitorInterval    time.Duration `yaml:"monitor_interval"`    // Staleness monitor cadence
	StalenessThreshold time.Duration `yaml:"staleness_threshold"` // During regular market hours
	MaxReconnectDelay  time.Duration `yaml:"max_reconnect_delay"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArchiveConfig holds the optional S3 archive settings.
// Archiving is enabled iff Bucket is non-empty.
type ArchiveConfig struct {
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Prefix    string        `yaml:"prefix"`
	Interval  time.Duration `yaml:"interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// BackgroundEnabled reports whether background streaming is active.
// It is enabled iff at least one tracked contract is enabled.
func (c *Config) BackgroundEnabled() bool {
	for _, tc := range c.Tracked {
		if tc.Enabled {
			return true
		}
	}
	return false
}
