package model

import (
	"fmt"
	"time"
)

// V2TickMessage is the legacy verbose wire form the gateway emitted before
// the compact v3 record. It survives for downstream clients and for
// conversion tests; storage and routing use TickMessage exclusively.
type V2TickMessage struct {
	Type       string  `json:"type"` // always "tick"
	RequestID  int32   `json:"request_id"`
	ContractID int64   `json:"contract_id"`
	TickType   string  `json:"tick_type"`
	Timestamp  string  `json:"timestamp"` // ISO 8601 with microseconds, UTC
	UnixTime   float64 `json:"unix_time"` // seconds since epoch

	Price      float64 `json:"price,omitempty"`
	Size       float64 `json:"size,omitempty"`
	Unreported bool    `json:"unreported,omitempty"`

	BidPrice    float64 `json:"bid_price,omitempty"`
	BidSize     float64 `json:"bid_size,omitempty"`
	AskPrice    float64 `json:"ask_price,omitempty"`
	AskSize     float64 `json:"ask_size,omitempty"`
	BidPastLow  bool    `json:"bid_past_low,omitempty"`
	AskPastHigh bool    `json:"ask_past_high,omitempty"`

	MidPoint float64 `json:"mid_point,omitempty"`
}

const v2TimeLayout = "2006-01-02T15:04:05.000000Z"

// FromV2 converts a legacy v2 message to the canonical TickMessage.
// The v2 form carries no system (ingest) timestamp, so systemTimestampUS
// is supplied by the caller.
func FromV2(v2 V2TickMessage, systemTimestampUS int64) (TickMessage, error) {
	tt, err := ParseTickType(v2.TickType)
	if err != nil {
		return TickMessage{}, err
	}

	ts, err := time.Parse(v2TimeLayout, v2.Timestamp)
	if err != nil {
		return TickMessage{}, fmt.Errorf("parse v2 timestamp: %w", err)
	}

	return TickMessage{
		IBTimestampUS:     ts.UnixMicro(),
		SystemTimestampUS: systemTimestampUS,
		ContractID:        v2.ContractID,
		TickType:          tt,
		RequestID:         v2.RequestID,
		Price:             v2.Price,
		Size:              v2.Size,
		Unreported:        v2.Unreported,
		BidPrice:          v2.BidPrice,
		BidSize:           v2.BidSize,
		AskPrice:          v2.AskPrice,
		AskSize:           v2.AskSize,
		BidPastLow:        v2.BidPastLow,
		AskPastHigh:       v2.AskPastHigh,
		MidPoint:          v2.MidPoint,
	}, nil
}

// ToV2 re-emits the legacy v2 form of a TickMessage.
func (m TickMessage) ToV2() V2TickMessage {
	t := time.UnixMicro(m.IBTimestampUS).UTC()
	return V2TickMessage{
		Type:        "tick",
		RequestID:   m.RequestID,
		ContractID:  m.ContractID,
		TickType:    string(m.TickType),
		Timestamp:   t.Format(v2TimeLayout),
		UnixTime:    float64(m.IBTimestampUS) / 1e6,
		Price:       m.Price,
		Size:        m.Size,
		Unreported:  m.Unreported,
		BidPrice:    m.BidPrice,
		BidSize:     m.BidSize,
		AskPrice:    m.AskPrice,
		AskSize:     m.AskSize,
		BidPastLow:  m.BidPastLow,
		AskPastHigh: m.AskPastHigh,
		MidPoint:    m.MidPoint,
	}
}
