package model

import (
	"encoding/json"
	"testing"
)

func TestDeriveRequestID_Stable(t *testing.T) {
	a := DeriveRequestID(265598, TickBidAsk, 1700000000000000)
	b := DeriveRequestID(265598, TickBidAsk, 1700000000000000)
	if a != b {
		t.Errorf("request id not stable: %d != %d", a, b)
	}
	if a < 0 {
		t.Errorf("request id negative: %d", a)
	}
}

func TestDeriveRequestID_DistinctInputs(t *testing.T) {
	base := DeriveRequestID(265598, TickLast, 1700000000000000)

	cases := []struct {
		name string
		got  int32
	}{
		{"different contract", DeriveRequestID(711280073, TickLast, 1700000000000000)},
		{"different tick type", DeriveRequestID(265598, TickBidAsk, 1700000000000000)},
		{"different request time", DeriveRequestID(265598, TickLast, 1700000000000001)},
	}
	for _, tc := range cases {
		if tc.got == base {
			t.Errorf("%s: collided with base id %d", tc.name, base)
		}
	}
}

func TestTickType_Upstream(t *testing.T) {
	cases := []struct {
		tt   TickType
		want string
	}{
		{TickLast, "Last"},
		{TickAllLast, "AllLast"},
		{TickBidAsk, "BidAsk"},
		{TickMidPoint, "MidPoint"},
	}
	for _, tc := range cases {
		if got := tc.tt.Upstream(); got != tc.want {
			t.Errorf("Upstream(%s) = %s, want %s", tc.tt, got, tc.want)
		}
		back, err := ParseUpstreamTickType(tc.want)
		if err != nil {
			t.Fatalf("ParseUpstreamTickType(%s): %v", tc.want, err)
		}
		if back != tc.tt {
			t.Errorf("ParseUpstreamTickType(%s) = %s, want %s", tc.want, back, tc.tt)
		}
	}
}

func TestParseTickType_Invalid(t *testing.T) {
	if _, err := ParseTickType("Last"); err == nil {
		t.Error("expected error for PascalCase spelling")
	}
	if _, err := ParseTickType(""); err == nil {
		t.Error("expected error for empty tick type")
	}
}

func TestTickMessage_JSONOmitsEmpty(t *testing.T) {
	msg := TickMessage{
		IBTimestampUS:     1700000000000000,
		SystemTimestampUS: 1700000000000123,
		ContractID:        265598,
		TickType:          TickLast,
		RequestID:         12345,
		Price:             187.23,
		Size:              100,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var keys map[string]interface{}
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, want := range []string{"ts", "st", "cid", "tt", "rid", "price", "size"} {
		if _, ok := keys[want]; !ok {
			t.Errorf("missing key %q in %s", want, data)
		}
	}
	for _, absent := range []string{"unreported", "bid_price", "ask_price", "mid_point"} {
		if _, ok := keys[absent]; ok {
			t.Errorf("unexpected key %q in %s", absent, data)
		}
	}
}

func TestIsBackgroundRequest(t *testing.T) {
	if IsBackgroundRequest(59999) {
		t.Error("59999 should not be background")
	}
	if !IsBackgroundRequest(60000) {
		t.Error("60000 should be background")
	}
}

func TestTrackedContract_HasTickType(t *testing.T) {
	tc := TrackedContract{
		ContractID: 711280073,
		Symbol:     "MNQ",
		TickTypes:  []TickType{TickBidAsk, TickLast},
	}
	if !tc.HasTickType(TickBidAsk) {
		t.Error("expected bid_ask present")
	}
	if tc.HasTickType(TickMidPoint) {
		t.Error("expected mid_point absent")
	}
}
