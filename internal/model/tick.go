package model

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strconv"
)

// TickType identifies which kind of tick-by-tick data a message carries.
// Gateway-facing spelling is snake_case; the TWS API uses PascalCase.
type TickType string

const (
	TickLast     TickType = "last"
	TickAllLast  TickType = "all_last"
	TickBidAsk   TickType = "bid_ask"
	TickMidPoint TickType = "mid_point"
)

// AllTickTypes lists every valid tick type.
var AllTickTypes = []TickType{TickLast, TickAllLast, TickBidAsk, TickMidPoint}

// Valid reports whether t is one of the four known tick types.
func (t TickType) Valid() bool {
	switch t {
	case TickLast, TickAllLast, TickBidAsk, TickMidPoint:
		return true
	}
	return false
}

// Upstream returns the PascalCase spelling the TWS API expects.
func (t TickType) Upstream() string {
	switch t {
	case TickLast:
		return "Last"
	case TickAllLast:
		return "AllLast"
	case TickBidAsk:
		return "BidAsk"
	case TickMidPoint:
		return "MidPoint"
	}
	return ""
}

// ParseTickType converts a gateway-facing string to a TickType.
func ParseTickType(s string) (TickType, error) {
	t := TickType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tick type %q", s)
	}
	return t, nil
}

// ParseUpstreamTickType converts a TWS PascalCase spelling to a TickType.
func ParseUpstreamTickType(s string) (TickType, error) {
	switch s {
	case "Last":
		return TickLast, nil
	case "AllLast":
		return TickAllLast, nil
	case "BidAsk":
		return TickBidAsk, nil
	case "MidPoint":
		return TickMidPoint, nil
	}
	return "", fmt.Errorf("unknown upstream tick type %q", s)
}

// TickMessage is the canonical compact tick record (v3 form).
//
// Mandatory fields use the short JSON keys of the on-disk JSONL format.
// Optional fields are present only for their tick type and are omitted when
// zero or false.
type TickMessage struct {
	IBTimestampUS     int64    `json:"ts"`  // Event time as reported by TWS (µs since epoch)
	SystemTimestampUS int64    `json:"st"`  // Ingest time at the gateway (µs since epoch)
	ContractID        int64    `json:"cid"` // IB contract identifier
	TickType          TickType `json:"tt"`
	RequestID         int32    `json:"rid"` // Derived subscription identifier

	// last / all_last
	Price      float64 `json:"price,omitempty"`
	Size       float64 `json:"size,omitempty"`
	Unreported bool    `json:"unreported,omitempty"`

	// bid_ask
	BidPrice    float64 `json:"bid_price,omitempty"`
	BidSize     float64 `json:"bid_size,omitempty"`
	AskPrice    float64 `json:"ask_price,omitempty"`
	AskSize     float64 `json:"ask_size,omitempty"`
	BidPastLow  bool    `json:"bid_past_low,omitempty"`
	AskPastHigh bool    `json:"ask_past_high,omitempty"`

	// mid_point
	MidPoint float64 `json:"mid_point,omitempty"`
}

// DeriveRequestID computes the stable request id for a subscription:
// abs(int32(md5(cid || "_" || tt || "_" || requestTimeUS)[0:4])).
// The id is derivable purely from its inputs and stable for the life of
// the subscription.
func DeriveRequestID(contractID int64, tickType TickType, requestTimeUS int64) int32 {
	key := strconv.FormatInt(contractID, 10) + "_" + string(tickType) + "_" + strconv.FormatInt(requestTimeUS, 10)
	sum := md5.Sum([]byte(key))
	v := int64(int32(binary.BigEndian.Uint32(sum[:4])))
	if v < 0 {
		v = -v
	}
	return int32(v & 0x7FFFFFFF)
}

// BackgroundRequestBase is the lowest request id used for background
// (tracked-contract) subscriptions. Handlers at or above this id are
// always persisted regardless of the client-stream storage policy.
const BackgroundRequestBase int32 = 60000

// IsBackgroundRequest reports whether a request id belongs to the
// background subscription manager.
func IsBackgroundRequest(requestID int32) bool {
	return requestID >= BackgroundRequestBase
}

// TrackedContract is a contract whose ticks the gateway captures
// continuously regardless of client demand.
type TrackedContract struct {
	ContractID  int64      `yaml:"contract_id"`
	Symbol      string     `yaml:"symbol"`
	TickTypes   []TickType `yaml:"tick_types"`
	BufferHours int        `yaml:"buffer_hours"`
	Enabled     bool       `yaml:"enabled"`
}

// HasTickType reports whether tt is in the tracked contract's configured set.
func (tc TrackedContract) HasTickType(tt TickType) bool {
	for _, t := range tc.TickTypes {
		if t == tt {
			return true
		}
	}
	return false
}
