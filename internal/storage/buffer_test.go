package storage

import (
	"testing"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
)

func TestQueryBuffer_TrailingWindow(t *testing.T) {
	root := t.TempDir()
	w := NewJSONLWriter(root, nil)
	w.Start()

	now := time.Now().UTC()
	inWindow := bidAskAt(9, now.Add(-30*time.Minute), 1, 2)
	outside := bidAskAt(9, now.Add(-3*time.Hour), 1, 2)
	if err := w.WriteBatch([]model.TickMessage{inWindow, outside}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	o, err := NewOrchestrator(Config{}, []Writer{w}, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	got, err := QueryBuffer(o, 9, []model.TickType{model.TickBidAsk}, time.Hour, "json")
	if err != nil {
		t.Fatalf("QueryBuffer: %v", err)
	}
	if len(got) != 1 || got[0].IBTimestampUS != inWindow.IBTimestampUS {
		t.Errorf("buffer = %+v", got)
	}
}

func TestBufferInfo(t *testing.T) {
	root := t.TempDir()
	w := NewJSONLWriter(root, nil)
	w.Start()

	now := time.Now().UTC()
	first := bidAskAt(11, now.Add(-40*time.Minute), 1, 2)
	second := bidAskAt(11, now.Add(-10*time.Minute), 1, 2)
	lastTick := model.TickMessage{
		IBTimestampUS: now.Add(-5 * time.Minute).UnixMicro(),
		ContractID:    11,
		TickType:      model.TickLast,
		RequestID:     3,
		Price:         7,
		Size:          1,
	}
	if err := w.WriteBatch([]model.TickMessage{first, second, lastTick}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	o, _ := NewOrchestrator(Config{}, []Writer{w}, nil)
	info, err := Info(o, 11, 1)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.MessageCount != 3 {
		t.Errorf("count = %d, want 3", info.MessageCount)
	}
	if info.OldestUS != first.IBTimestampUS || info.NewestUS != lastTick.IBTimestampUS {
		t.Errorf("window = [%d, %d]", info.OldestUS, info.NewestUS)
	}
	if info.TickCounts[model.TickBidAsk] != 2 || info.TickCounts[model.TickLast] != 1 {
		t.Errorf("tick counts = %+v", info.TickCounts)
	}
}
