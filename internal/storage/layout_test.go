package storage

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

func TestTickPath_HourFromEventTimestamp(t *testing.T) {
	// 2024-01-15 13:42:07.5 UTC
	ts := time.Date(2024, 1, 15, 13, 42, 7, 500_000_000, time.UTC)
	msg := model.TickMessage{
		IBTimestampUS: ts.UnixMicro(),
		ContractID:    265598,
		TickType:      model.TickBidAsk,
	}

	got := tickPath("/data", FormatJSON, msg)
	wantDir := filepath.Join("/data", "json", "2024", "01", "15", "13")
	if filepath.Dir(got) != wantDir {
		t.Errorf("dir = %s, want %s", filepath.Dir(got), wantDir)
	}

	hourSec := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC).Unix()
	wantName := "265598_bid_ask_" + strconv.FormatInt(hourSec, 10) + ".jsonl"
	if filepath.Base(got) != wantName {
		t.Errorf("name = %s, want %s", filepath.Base(got), wantName)
	}
}

func TestParseFileName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
		want fileKey
	}{
		{"265598_bid_ask_1705320000.jsonl", true, fileKey{265598, model.TickBidAsk, 1705320000}},
		{"711280073_last_1705320000.pb", true, fileKey{711280073, model.TickLast, 1705320000}},
		{"1_all_last_99.jsonl", true, fileKey{1, model.TickAllLast, 99}},
		{"1_mid_point_99.pb", true, fileKey{1, model.TickMidPoint, 99}},
		{"junk.txt", false, fileKey{}},
		{"no-underscores.jsonl", false, fileKey{}},
		{"x_last_1.jsonl", false, fileKey{}},
		{"1_bogus_1.jsonl", false, fileKey{}},
	}
	for _, tc := range cases {
		got, ok := parseFileName(tc.name)
		if ok != tc.ok {
			t.Errorf("%s: ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("%s: key = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestParseFileName_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 2, 9, 30, 15, 0, time.UTC)
	msg := model.TickMessage{
		IBTimestampUS: ts.UnixMicro(),
		ContractID:    42,
		TickType:      model.TickAllLast,
	}
	path := tickPath("/root", FormatProtobuf, msg)
	key, ok := parseFileName(filepath.Base(path))
	if !ok {
		t.Fatalf("generated name did not parse: %s", path)
	}
	if key.contractID != 42 || key.tickType != model.TickAllLast {
		t.Errorf("key = %+v", key)
	}
	if key.second != ts.Truncate(time.Hour).Unix() {
		t.Errorf("second = %d, want hour start %d", key.second, ts.Truncate(time.Hour).Unix())
	}
}

func TestHourRange_IncludesLookBehind(t *testing.T) {
	start := time.Date(2024, 1, 15, 12, 59, 0, 0, time.UTC)
	end := time.Date(2024, 1, 15, 13, 1, 0, 0, time.UTC)

	dirs := hourRange("/data", FormatJSON, start, end)
	want := []string{
		filepath.Join("/data", "json", "2024", "01", "15", "11"),
		filepath.Join("/data", "json", "2024", "01", "15", "12"),
		filepath.Join("/data", "json", "2024", "01", "15", "13"),
	}
	if len(dirs) != len(want) {
		t.Fatalf("dirs = %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("dirs[%d] = %s, want %s", i, dirs[i], want[i])
		}
	}
}
