package storage

import (
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

// BufferInfo describes the recent persisted window for one contract.
type BufferInfo struct {
	ContractID   int64                  `json:"contract_id"`
	WindowHours  int                    `json:"window_hours"`
	MessageCount int                    `json:"message_count"`
	OldestUS     int64                  `json:"oldest_us,omitempty"`
	NewestUS     int64                  `json:"newest_us,omitempty"`
	Formats      []string               `json:"formats"`
	TickCounts   map[model.TickType]int `json:"tick_counts"`
}

// QueryBuffer returns ticks from the trailing duration window,
// delegating to one source format or merging "both".
func QueryBuffer(o Orchestrator, contractID int64, tickTypes []model.TickType, duration time.Duration, source string) ([]model.TickMessage, error) {
	now := time.Now()
	return o.QuerySource(source, contractID, tickTypes, now.Add(-duration), now, 0)
}

// QueryBufferSince is QueryBuffer with an explicit lower bound.
func QueryBufferSince(o Orchestrator, contractID int64, tickTypes []model.TickType, since time.Time, source string) ([]model.TickMessage, error) {
	return o.QuerySource(source, contractID, tickTypes, since, time.Now(), 0)
}

// Info summarizes the persisted buffer for a contract over the given
// window (hours, minimum 1).
func Info(o Orchestrator, contractID int64, windowHours int) (BufferInfo, error) {
	if windowHours < 1 {
		windowHours = 1
	}
	now := time.Now()
	messages, err := o.QueryRange(contractID, nil, now.Add(-time.Duration(windowHours)*time.Hour), now, 0)
	if err != nil {
		return BufferInfo{}, err
	}

	info := BufferInfo{
		ContractID:   contractID,
		WindowHours:  windowHours,
		MessageCount: len(messages),
		Formats:      o.Formats(),
		TickCounts:   make(map[model.TickType]int),
	}
	for _, msg := range messages {
		info.TickCounts[msg.TickType]++
		if info.OldestUS == 0 || msg.IBTimestampUS < info.OldestUS {
			info.OldestUS = msg.IBTimestampUS
		}
		if msg.IBTimestampUS > info.NewestUS {
			info.NewestUS = msg.IBTimestampUS
		}
	}
	return info, nil
}
