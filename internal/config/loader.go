package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands ${VAR} environment references,
// and applies IB_STREAM_* environment overrides. An empty path yields a
// configuration built from environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Boolean features default on; explicit yaml/env values override.
	cfg.Storage.EnableJSON = true
	cfg.Storage.EnableProtobuf = true
	cfg.Storage.StoreClientStreams = true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays IB_STREAM_* environment variables onto the config.
func (c *Config) applyEnv() error {
	if v := os.Getenv("IB_STREAM_HOST"); v != "" {
		c.TWS.Host = v
	}
	if v := os.Getenv("IB_STREAM_PORTS"); v != "" {
		ports, err := parsePorts(v)
		if err != nil {
			return err
		}
		c.TWS.Ports = ports
	}
	if v := os.Getenv("IB_STREAM_CLIENT_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IB_STREAM_CLIENT_ID: %w", err)
		}
		c.TWS.ClientID = n
	}
	if v := os.Getenv("IB_STREAM_RECONNECT_DELAY"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IB_STREAM_RECONNECT_DELAY: %w", err)
		}
		c.TWS.ReconnectDelay = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("IB_STREAM_MAX_STREAMS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IB_STREAM_MAX_STREAMS: %w", err)
		}
		c.Server.MaxStreams = n
	}
	if v := os.Getenv("IB_STREAM_STREAM_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IB_STREAM_STREAM_TIMEOUT: %w", err)
		}
		c.Server.StreamTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("IB_STREAM_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("IB_STREAM_ENABLE_JSON"); v != "" {
		c.Storage.EnableJSON = parseBool(v)
	}
	if v := os.Getenv("IB_STREAM_ENABLE_PROTOBUF"); v != "" {
		c.Storage.EnableProtobuf = parseBool(v)
	}
	if v := os.Getenv("IB_STREAM_ENABLE_CLIENT_STREAM_STORAGE"); v != "" {
		c.Storage.StoreClientStreams = parseBool(v)
	}
	if v := os.Getenv("IB_STREAM_CONTRACT_SERVICE_URL"); v != "" {
		c.Contracts.BaseURL = v
	}
	if v := os.Getenv("IB_STREAM_TRACKED_CONTRACTS"); v != "" {
		tracked, err := ParseTrackedContracts(v)
		if err != nil {
			return fmt.Errorf("IB_STREAM_TRACKED_CONTRACTS: %w", err)
		}
		c.Tracked = tracked
	}
	if v := os.Getenv("IB_STREAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

func parsePorts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("IB_STREAM_PORTS entry %q: %w", p, err)
		}
		ports = append(ports, n)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("IB_STREAM_PORTS is empty")
	}
	return ports, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
