package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/tws"
)

// fakeDriver scripts upstream behavior for manager tests.
type fakeDriver struct {
	cb         tws.Callbacks
	connectErr error

	mu          sync.Mutex
	subscribed  map[int32]string
	cancelled   []int32
	detailsReqs []int32
	closed      bool
}

func (d *fakeDriver) Connect(host string, port int, clientID int) error {
	if d.connectErr != nil {
		return d.connectErr
	}
	go d.cb.NextValidID(1)
	return nil
}

func (d *fakeDriver) ReqTickByTickData(reqID int32, c tws.Contract, tickType string, numTicks int, ignoreSize bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribed == nil {
		d.subscribed = make(map[int32]string)
	}
	d.subscribed[reqID] = tickType
	return nil
}

func (d *fakeDriver) CancelTickByTickData(reqID int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, reqID)
	return nil
}

func (d *fakeDriver) ReqContractDetails(reqID int32, c tws.Contract) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detailsReqs = append(d.detailsReqs, reqID)
	return nil
}

func (d *fakeDriver) ReqCurrentTime() error {
	go d.cb.CurrentTime(time.Now().Unix())
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) lastDetailsReq() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.detailsReqs) == 0 {
		return 0
	}
	return d.detailsReqs[len(d.detailsReqs)-1]
}

// fakeFactory hands out fake drivers and remembers the latest one.
type fakeFactory struct {
	mu      sync.Mutex
	current *fakeDriver
}

func (f *fakeFactory) build(cb tws.Callbacks) tws.Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = &fakeDriver{cb: cb}
	return f.current
}

func (f *fakeFactory) driver() *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func startManager(t *testing.T) (Manager, *fakeFactory) {
	t.Helper()

	f := &fakeFactory{}
	mgr := NewManager(Config{
		Ports:          []int{7497},
		ClientID:       1,
		ConnectTimeout: time.Second,
		ProbeInterval:  time.Hour, // keep the probe loop quiet
	}, f.build, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		mgr.Stop(stopCtx)
		cancel()
	})

	waitFor(t, func() bool { return mgr.IsConnected() }, "connect")
	return mgr, f
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ConnectAndSubscribe(t *testing.T) {
	mgr, f := startManager(t)

	contract := tws.Contract{ConID: 265598, SecType: "STK", Exchange: "SMART", Currency: "USD"}
	if err := mgr.Subscribe(101, contract, model.TickBidAsk); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	d := f.driver()
	d.mu.Lock()
	got := d.subscribed[101]
	d.mu.Unlock()
	if got != "BidAsk" {
		t.Errorf("upstream tick type = %q, want BidAsk", got)
	}
	if n := mgr.Stats().ActiveSubscriptions; n != 1 {
		t.Errorf("active subscriptions = %d, want 1", n)
	}
}

func TestManager_SubscribeWhenDisconnected(t *testing.T) {
	f := &fakeFactory{}
	mgr := NewManager(Config{Ports: []int{7497}}, f.build, nil)

	err := mgr.Subscribe(1, tws.Contract{ConID: 1}, model.TickLast)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestManager_TickDelivery(t *testing.T) {
	mgr, f := startManager(t)

	contract := tws.Contract{ConID: 265598, SecType: "STK", Exchange: "SMART"}
	if err := mgr.Subscribe(202, contract, model.TickBidAsk); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	d := f.driver()
	d.cb.TickByTickBidAsk(202, 1705329000, 187.23, 187.25, 3, 5, tws.TickAttribBidAsk{BidPastLow: true})

	select {
	case ev := <-mgr.Ticks():
		if ev.RequestID != 202 {
			t.Errorf("request id = %d", ev.RequestID)
		}
		if ev.Tick.ContractID != 265598 || ev.Tick.TickType != model.TickBidAsk {
			t.Errorf("tick attribution = %+v", ev.Tick)
		}
		if ev.Tick.IBTimestampUS != 1705329000*1_000_000 {
			t.Errorf("ib timestamp = %d", ev.Tick.IBTimestampUS)
		}
		if ev.Tick.SystemTimestampUS == 0 {
			t.Error("system timestamp not stamped")
		}
		if ev.Tick.BidPrice != 187.23 || !ev.Tick.BidPastLow {
			t.Errorf("tick fields = %+v", ev.Tick)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick delivered")
	}
}

func TestManager_UnknownRequestIDDropped(t *testing.T) {
	mgr, f := startManager(t)

	f.driver().cb.TickByTickMidPoint(999, 1705329000, 187.24)

	select {
	case ev := <-mgr.Ticks():
		t.Fatalf("unexpected tick for unknown request: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_FatalErrorTearsDownSession(t *testing.T) {
	mgr, f := startManager(t)

	contract := tws.Contract{ConID: 265598, SecType: "STK", Exchange: "SMART"}
	if err := mgr.Subscribe(303, contract, model.TickLast); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.driver().cb.Error(0, 1100, "Connectivity between IB and TWS has been lost")

	waitFor(t, func() bool { return !mgr.IsConnected() }, "teardown")

	select {
	case ev := <-mgr.Errors():
		if ev.Severity != SeverityFatal || ev.RequestID != 0 {
			t.Errorf("session event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no session-fatal event")
	}

	// Subscription state does not survive the session.
	waitFor(t, func() bool { return mgr.Stats().ActiveSubscriptions == 0 }, "subscription clear")
}

func TestManager_ContractNotFoundScopedToRequest(t *testing.T) {
	mgr, f := startManager(t)

	f.driver().cb.Error(404, 200, "No security definition has been found")

	select {
	case ev := <-mgr.Errors():
		if ev.RequestID != 404 || ev.Severity != SeverityContractNotFound {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
	if !mgr.IsConnected() {
		t.Error("request-scoped error must not end the session")
	}
}

func TestManager_InformationalErrorNotSurfaced(t *testing.T) {
	mgr, f := startManager(t)

	f.driver().cb.Error(0, 2104, "Market data farm connection is OK")

	select {
	case ev := <-mgr.Errors():
		t.Fatalf("informational code surfaced: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if !mgr.IsConnected() {
		t.Error("informational code must not end the session")
	}
}

func TestManager_ContractDetails(t *testing.T) {
	mgr, f := startManager(t)

	done := make(chan struct{})
	var (
		got []tws.ContractDetails
		err error
	)
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err = mgr.ContractDetails(ctx, tws.Contract{ConID: 265598, SecType: "STK", Exchange: "SMART"})
	}()

	d := f.driver()
	waitFor(t, func() bool { return d.lastDetailsReq() != 0 }, "details request")
	reqID := d.lastDetailsReq()
	d.cb.ContractDetails(reqID, tws.ContractDetails{
		Contract:   tws.Contract{ConID: 265598, Symbol: "AAPL"},
		TimeZoneID: "US/Eastern",
	})
	d.cb.ContractDetailsEnd(reqID)

	<-done
	if err != nil {
		t.Fatalf("ContractDetails: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "AAPL" {
		t.Errorf("details = %+v", got)
	}
}

func TestManager_ContractDetailsNotFound(t *testing.T) {
	mgr, f := startManager(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := mgr.ContractDetails(ctx, tws.Contract{ConID: 1})
		done <- err
	}()

	d := f.driver()
	waitFor(t, func() bool { return d.lastDetailsReq() != 0 }, "details request")
	d.cb.Error(d.lastDetailsReq(), 200, "No security definition has been found")

	if err := <-done; err == nil {
		t.Error("expected contract-not-found error")
	}
}

func TestManager_UnsubscribeIdempotent(t *testing.T) {
	mgr, _ := startManager(t)

	if err := mgr.Unsubscribe(777); err != nil {
		t.Errorf("unknown id: %v", err)
	}

	if err := mgr.Subscribe(778, tws.Contract{ConID: 1, SecType: "STK", Exchange: "SMART"}, model.TickLast); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := mgr.Unsubscribe(778); err != nil {
		t.Errorf("first unsubscribe: %v", err)
	}
	if err := mgr.Unsubscribe(778); err != nil {
		t.Errorf("second unsubscribe: %v", err)
	}
	if n := mgr.Stats().ActiveSubscriptions; n != 0 {
		t.Errorf("active subscriptions = %d, want 0", n)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	m := &manager{cfg: Config{ReconnectDelay: 5 * time.Second, MaxReconnectDelay: 30 * time.Second}}

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, 7 * time.Second},
		{2, 9 * time.Second},
		{10, 25 * time.Second},
		{13, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := m.backoff(tc.failures); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code int
		want Severity
	}{
		{502, SeverityFatal},
		{504, SeverityFatal},
		{1100, SeverityFatal},
		{200, SeverityContractNotFound},
		{2104, SeverityInfo},
		{2106, SeverityInfo},
		{2158, SeverityInfo},
		{2100, SeverityInfo},
		{321, SeverityWarning},
	}
	for _, tc := range cases {
		if got := Classify(tc.code); got != tc.want {
			t.Errorf("Classify(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
