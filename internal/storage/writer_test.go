package storage

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

func bidAskAt(cid int64, ts time.Time, bid, ask float64) model.TickMessage {
	return model.TickMessage{
		IBTimestampUS:     ts.UnixMicro(),
		SystemTimestampUS: ts.UnixMicro() + 150,
		ContractID:        cid,
		TickType:          model.TickBidAsk,
		RequestID:         12345,
		BidPrice:          bid,
		BidSize:           3,
		AskPrice:          ask,
		AskSize:           5,
	}
}

func TestJSONLWriter_RangeAcrossHourBoundary(t *testing.T) {
	root := t.TempDir()
	w := NewJSONLWriter(root, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := time.Date(2024, 1, 15, 12, 59, 59, 900_000_000, time.UTC)
	after := time.Date(2024, 1, 15, 13, 0, 0, 100_000_000, time.UTC)
	batch := []model.TickMessage{
		bidAskAt(265598, before, 187.23, 187.25),
		bidAskAt(265598, after, 187.24, 187.26),
	}
	if err := w.WriteBatch(batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	start := time.Date(2024, 1, 15, 12, 59, 0, 0, time.UTC)
	end := time.Date(2024, 1, 15, 13, 1, 0, 0, time.UTC)
	got, err := w.QueryRange(265598, []model.TickType{model.TickBidAsk}, start, end, 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].IBTimestampUS != before.UnixMicro() || got[1].IBTimestampUS != after.UnixMicro() {
		t.Errorf("order = %d, %d", got[0].IBTimestampUS, got[1].IBTimestampUS)
	}
}

func TestJSONLWriter_FilesUnderEventHour(t *testing.T) {
	root := t.TempDir()
	w := NewJSONLWriter(root, nil)
	w.Start()

	ts := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	if err := w.WriteBatch([]model.TickMessage{bidAskAt(42, ts, 1, 2)}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	dir := filepath.Join(root, "json", "2024", "06", "01", "09")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("hour dir missing: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	key, ok := parseFileName(entries[0].Name())
	if !ok || key.contractID != 42 || key.tickType != model.TickBidAsk {
		t.Errorf("file name = %s", entries[0].Name())
	}
}

func TestQueryRange_FiltersAndLimit(t *testing.T) {
	root := t.TempDir()
	w := NewJSONLWriter(root, nil)
	w.Start()

	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	var batch []model.TickMessage
	for i := 0; i < 5; i++ {
		batch = append(batch, bidAskAt(7, base.Add(time.Duration(i)*time.Second), 1, 2))
	}
	last := model.TickMessage{
		IBTimestampUS: base.Add(2 * time.Second).UnixMicro(),
		ContractID:    7,
		TickType:      model.TickLast,
		RequestID:     9,
		Price:         10,
		Size:          1,
	}
	other := bidAskAt(8, base, 1, 2)
	batch = append(batch, last, other)
	if err := w.WriteBatch(batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	got, err := w.QueryRange(7, []model.TickType{model.TickBidAsk}, base, base.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("filtered count = %d, want 5", len(got))
	}
	for _, msg := range got {
		if msg.ContractID != 7 || msg.TickType != model.TickBidAsk {
			t.Errorf("leaked message: %+v", msg)
		}
	}

	limited, err := w.QueryRange(7, nil, base, base.Add(time.Minute), 3)
	if err != nil {
		t.Fatalf("QueryRange limited: %v", err)
	}
	if len(limited) != 3 {
		t.Errorf("limited count = %d, want 3", len(limited))
	}
}

func TestBinaryWriter_RoundTrip(t *testing.T) {
	root := t.TempDir()
	w := NewBinaryWriter(root, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ts := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	batch := []model.TickMessage{
		{
			IBTimestampUS:     ts.UnixMicro(),
			SystemTimestampUS: ts.UnixMicro() + 200,
			ContractID:        711280073,
			TickType:          model.TickBidAsk,
			RequestID:         61001,
			BidPrice:          5031.25,
			BidSize:           12,
			AskPrice:          5031.50,
			AskSize:           7,
			BidPastLow:        true,
		},
		{
			IBTimestampUS:     ts.Add(time.Second).UnixMicro(),
			SystemTimestampUS: ts.Add(time.Second).UnixMicro() + 90,
			ContractID:        711280073,
			TickType:          model.TickLast,
			RequestID:         61002,
			Price:             5031.25,
			Size:              2,
			Unreported:        true,
		},
		{
			IBTimestampUS:     ts.Add(2 * time.Second).UnixMicro(),
			SystemTimestampUS: ts.Add(2 * time.Second).UnixMicro() + 110,
			ContractID:        711280073,
			TickType:          model.TickMidPoint,
			RequestID:         61003,
			MidPoint:          5031.375,
		},
	}
	if err := w.WriteBatch(batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	got, err := w.QueryRange(711280073, nil, ts.Add(-time.Minute), ts.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	// Files are scanned in name order (per tick type); compare as sets
	// keyed by request id.
	byRID := make(map[int32]model.TickMessage, len(got))
	for _, msg := range got {
		byRID[msg.RequestID] = msg
	}
	for _, want := range batch {
		if !reflect.DeepEqual(byRID[want.RequestID], want) {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", byRID[want.RequestID], want)
		}
	}
}

func TestV2ChainThroughStorage(t *testing.T) {
	root := t.TempDir()
	w := NewJSONLWriter(root, nil)
	w.Start()

	in := model.V2TickMessage{
		Type:       "tick",
		RequestID:  777,
		ContractID: 265598,
		TickType:   "bid_ask",
		Timestamp:  "2024-01-15T14:30:00.250000Z",
		UnixTime:   1705329000.25,
		BidPrice:   187.23,
		BidSize:    3,
		AskPrice:   187.25,
		AskSize:    5,
		BidPastLow: true,
	}

	v3, err := model.FromV2(in, time.Now().UnixMicro())
	if err != nil {
		t.Fatalf("FromV2: %v", err)
	}
	if err := w.WriteBatch([]model.TickMessage{v3}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	ts := time.UnixMicro(v3.IBTimestampUS)
	got, err := w.QueryRange(265598, []model.TickType{model.TickBidAsk}, ts.Add(-time.Second), ts.Add(time.Second), 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}

	out := got[0].ToV2()
	if out != in {
		t.Errorf("v2 round trip:\n got %+v\nwant %+v", out, in)
	}
}

func TestJSONLWriter_ToleratesCorruptTail(t *testing.T) {
	root := t.TempDir()
	w := NewJSONLWriter(root, nil)
	w.Start()

	ts := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	msg := bidAskAt(5, ts, 1, 2)
	if err := w.WriteBatch([]model.TickMessage{msg}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	path := tickPath(root, FormatJSON, msg)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{broken json\n")
	f.Close()

	got, err := w.QueryRange(5, nil, ts.Add(-time.Minute), ts.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d messages before corrupt tail, want 1", len(got))
	}
}
