package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.TWS.Host == "" {
		return errors.New("tws.host is required")
	}
	if len(c.TWS.Ports) == 0 {
		return errors.New("tws.ports must list at least one port")
	}
	for _, p := range c.TWS.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("tws.ports entry %d out of range", p)
		}
	}
	if c.TWS.ClientID < 0 {
		return errors.New("tws.client_id must be >= 0")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxStreams < 1 {
		return errors.New("server.max_streams must be >= 1")
	}
	if c.Server.SendQueueSize < 1 {
		return errors.New("server.send_queue_size must be >= 1")
	}

	if c.Storage.QueueSize < 1 {
		return errors.New("storage.queue_size must be >= 1")
	}
	if c.Storage.BatchSize < 1 {
		return errors.New("storage.batch_size must be >= 1")
	}
	if !c.Storage.EnableJSON && !c.Storage.EnableProtobuf {
		return errors.New("at least one of storage.enable_json and storage.enable_protobuf must be set")
	}

	if c.BackgroundEnabled() && c.Contracts.BaseURL == "" {
		return errors.New("contracts.base_url is required when tracked contracts are configured")
	}

	seen := make(map[int64]struct{}, len(c.Tracked))
	for _, tc := range c.Tracked {
		if tc.ContractID < 1 {
			return fmt.Errorf("tracked contract %q has invalid contract_id %d", tc.Symbol, tc.ContractID)
		}
		if _, dup := seen[tc.ContractID]; dup {
			return fmt.Errorf("tracked contract id %d appears more than once", tc.ContractID)
		}
		seen[tc.ContractID] = struct{}{}

		if len(tc.TickTypes) == 0 {
			return fmt.Errorf("tracked contract %d has no tick types", tc.ContractID)
		}
		for _, tt := range tc.TickTypes {
			if !tt.Valid() {
				return fmt.Errorf("tracked contract %d has unknown tick type %q", tc.ContractID, tt)
			}
		}
		if tc.BufferHours < 1 {
			return fmt.Errorf("tracked contract %d buffer_hours must be >= 1", tc.ContractID)
		}
	}

	return nil
}
