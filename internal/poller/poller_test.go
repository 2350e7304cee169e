package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lakowske/ib-stream/internal/contracts"
	"github.com/lakowske/ib-stream/internal/model"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls map[int64]int
	fail  map[int64]error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{calls: make(map[int64]int), fail: make(map[int64]error)}
}

func (r *fakeResolver) ContractByID(ctx context.Context, symbol string, conID int64) (contracts.Contract, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[conID]++
	if err := r.fail[conID]; err != nil {
		return contracts.Contract{}, err
	}
	return contracts.Contract{ConID: conID, Symbol: symbol}, nil
}

func (r *fakeResolver) callCount(conID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[conID]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tracked(cid int64, symbol string, enabled bool) model.TrackedContract {
	return model.TrackedContract{
		ContractID: cid,
		Symbol:     symbol,
		TickTypes:  []model.TickType{model.TickLast},
		Enabled:    enabled,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoller_RefreshesEnabledContracts(t *testing.T) {
	resolver := newFakeResolver()

	var mu sync.Mutex
	var seen []int64
	handler := ContractHandlerFunc(func(c contracts.Contract) error {
		mu.Lock()
		seen = append(seen, c.ConID)
		mu.Unlock()
		return nil
	})

	p := New(Config{Interval: time.Hour}, resolver,
		[]model.TrackedContract{
			tracked(711280073, "MES", true),
			tracked(265598, "AAPL", true),
			tracked(9999, "OFF", false),
		}, handler, discard())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	if resolver.callCount(9999) != 0 {
		t.Error("disabled contract was refreshed")
	}
	if resolver.callCount(711280073) != 1 || resolver.callCount(265598) != 1 {
		t.Errorf("calls = %v", resolver.calls)
	}
}

func TestPoller_FailureDoesNotBlockOthers(t *testing.T) {
	resolver := newFakeResolver()
	resolver.fail[1] = errors.New("unknown contract")

	var refreshed sync.Map
	handler := ContractHandlerFunc(func(c contracts.Contract) error {
		refreshed.Store(c.ConID, true)
		return nil
	})

	p := New(Config{Interval: time.Hour}, resolver,
		[]model.TrackedContract{
			tracked(1, "BAD", true),
			tracked(2, "GOOD", true),
		}, handler, discard())

	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool {
		_, ok := refreshed.Load(int64(2))
		return ok
	})
	if _, ok := refreshed.Load(int64(1)); ok {
		t.Error("failed contract reached the handler")
	}
}

func TestPoller_PeriodicRefresh(t *testing.T) {
	resolver := newFakeResolver()
	p := New(Config{Interval: 20 * time.Millisecond}, resolver,
		[]model.TrackedContract{tracked(7, "MNQ", true)}, nil, discard())

	p.Start(context.Background())
	defer p.Stop(context.Background())

	waitFor(t, func() bool { return resolver.callCount(7) >= 3 })
}

func TestPoller_StopUnblocks(t *testing.T) {
	p := New(Config{Interval: time.Hour}, newFakeResolver(), nil, nil, discard())
	p.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
