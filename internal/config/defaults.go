package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultTWSHost            = "127.0.0.1"
	DefaultClientID           = 1
	DefaultConnectTimeout     = 10 * time.Second
	DefaultProbeInterval      = 10 * time.Second
	DefaultReconnectDelay     = 5 * time.Second
	DefaultServerPort         = 8001
	DefaultMaxStreams         = 50
	DefaultMaxConnsPerIP      = 10
	DefaultMaxMessagesPerSec  = 100
	DefaultSendQueueSize      = 1000
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultStoragePath        = "storage"
	DefaultStorageQueueSize   = 10000
	DefaultStorageBatchSize   = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultRetentionSchedule  = "0 * * * *" // hourly
	DefaultContractTimeout    = 10 * time.Second
	DefaultContractCacheTTL   = 1 * time.Hour
	DefaultClientIDOffset     = 1000
	DefaultCheckInterval      = 2 * time.Second
	DefaultMonitorInterval    = 60 * time.Second
	DefaultStalenessThreshold = 15 * time.Minute
	DefaultMaxReconnectDelay  = 30 * time.Second
	DefaultMetricsPath        = "/metrics"
	DefaultArchiveInterval    = 15 * time.Minute
	DefaultLogLevel           = "info"
)

// DefaultPorts is the port list tried in order when none is configured.
var DefaultPorts = []int{7497, 7496, 4002, 4001}

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = "ib-stream"
	}

	if c.TWS.Host == "" {
		c.TWS.Host = DefaultTWSHost
	}
	if len(c.TWS.Ports) == 0 {
		c.TWS.Ports = append([]int(nil), DefaultPorts...)
	}
	if c.TWS.ClientID == 0 {
		c.TWS.ClientID = DefaultClientID
	}
	if c.TWS.ConnectTimeout == 0 {
		c.TWS.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TWS.ProbeInterval == 0 {
		c.TWS.ProbeInterval = DefaultProbeInterval
	}
	if c.TWS.ReconnectDelay == 0 {
		c.TWS.ReconnectDelay = DefaultReconnectDelay
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.MaxStreams == 0 {
		c.Server.MaxStreams = DefaultMaxStreams
	}
	if c.Server.MaxConnectionsPerIP == 0 {
		c.Server.MaxConnectionsPerIP = DefaultMaxConnsPerIP
	}
	if c.Server.MaxMessagesPerSec == 0 {
		c.Server.MaxMessagesPerSec = DefaultMaxMessagesPerSec
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = DefaultSendQueueSize
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Storage.QueueSize == 0 {
		c.Storage.QueueSize = DefaultStorageQueueSize
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = DefaultStorageBatchSize
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = DefaultFlushInterval
	}
	if c.Storage.RetentionSchedule == "" {
		c.Storage.RetentionSchedule = DefaultRetentionSchedule
	}

	if c.Contracts.Timeout == 0 {
		c.Contracts.Timeout = DefaultContractTimeout
	}
	if c.Contracts.CacheTTL == 0 {
		c.Contracts.CacheTTL = DefaultContractCacheTTL
	}

	if c.Background.ClientIDOffset == 0 {
		c.Background.ClientIDOffset = DefaultClientIDOffset
	}
	if c.Background.CheckInterval == 0 {
		c.Background.CheckInterval = DefaultCheckInterval
	}
	if c.Background.MonitorInterval == 0 {
		c.Background.MonitorInterval = DefaultMonitorInterval
	}
	if c.Background.StalenessThreshold == 0 {
		c.Background.StalenessThreshold = DefaultStalenessThreshold
	}
	if c.Background.MaxReconnectDelay == 0 {
		c.Background.MaxReconnectDelay = DefaultMaxReconnectDelay
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Archive.Interval == 0 {
		c.Archive.Interval = DefaultArchiveInterval
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	// Default tracked-contract buffer window when unset.
	for i := range c.Tracked {
		if c.Tracked[i].BufferHours == 0 {
			c.Tracked[i].BufferHours = 1
		}
	}
}
