package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/tws"
)

// detailsReqBase is the request-id range reserved for synchronous
// contract-details calls, away from the tick-subscription ranges.
const detailsReqBase int32 = 90000

// Manager owns the upstream session: it dials, reconnects, multiplexes
// tick subscriptions, and publishes decoded events.
type Manager interface {
	// Start dials upstream and begins the supervise and probe loops.
	Start(ctx context.Context) error

	// Stop tears the session down and waits for loops to exit.
	Stop(ctx context.Context) error

	// Subscribe opens a tick-by-tick subscription under requestID.
	Subscribe(requestID int32, contract tws.Contract, tickType model.TickType) error

	// Unsubscribe cancels a subscription. Idempotent.
	Unsubscribe(requestID int32) error

	// ContractDetails performs a synchronous contract-details lookup.
	ContractDetails(ctx context.Context, contract tws.Contract) ([]tws.ContractDetails, error)

	// IsConnected reports whether an authenticated session is up.
	IsConnected() bool

	// Ticks returns the decoded tick stream.
	Ticks() <-chan TickEvent

	// Errors returns classified upstream errors.
	Errors() <-chan ErrorEvent

	// Stats returns a snapshot of session state and counters.
	Stats() Stats
}

type manager struct {
	cfg       Config
	newDriver tws.DriverFactory
	logger    *slog.Logger

	ticks chan TickEvent
	errs  chan ErrorEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	driver    tws.Driver
	connected bool
	port      int
	handshake chan struct{} // closed when next-valid-id arrives
	down      chan struct{} // closed when the current session dies
	subs      map[int32]subscription
	lastProbe time.Time

	detailsMu  sync.Mutex
	details    map[int32]*detailsCall
	detailsSeq int32

	ticksReceived atomic.Int64
	ticksDropped  atomic.Int64
	reconnects    atomic.Int64
}

type detailsCall struct {
	results []tws.ContractDetails
	done    chan error
}

// NewManager creates a session manager. The factory builds one driver
// per connection attempt; reconnects never reuse a driver.
func NewManager(cfg Config, factory tws.DriverFactory, logger *slog.Logger) Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		cfg:       cfg,
		newDriver: factory,
		logger:    logger,
		ticks:     make(chan TickEvent, cfg.TickBufferSize),
		errs:      make(chan ErrorEvent, cfg.ErrorBufferSize),
		subs:      make(map[int32]subscription),
		details:   make(map[int32]*detailsCall),
	}
}

// Start begins supervising the upstream session. The initial dial
// happens inside the supervise loop, so Start succeeds even when
// upstream is down; the loop keeps retrying with backoff.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.supervise()
	go m.probeLoop()

	m.logger.Info("connection manager started",
		"host", m.cfg.Host,
		"ports", m.cfg.Ports,
		"client_id", m.cfg.ClientID,
	)
	return nil
}

// Stop shuts the session down.
func (m *manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.teardown("shutdown")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection manager stop: %w", ctx.Err())
	}
}

func (m *manager) Ticks() <-chan TickEvent   { return m.ticks }
func (m *manager) Errors() <-chan ErrorEvent { return m.errs }

func (m *manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Connected:           m.connected,
		Port:                m.port,
		ActiveSubscriptions: len(m.subs),
		TicksReceived:       m.ticksReceived.Load(),
		TicksDropped:        m.ticksDropped.Load(),
		Reconnects:          m.reconnects.Load(),
		LastProbeReply:      m.lastProbe,
	}
}

// Subscribe opens a tick-by-tick subscription. The request id to
// contract mapping is recorded first so no early tick is dropped.
func (m *manager) Subscribe(requestID int32, contract tws.Contract, tickType model.TickType) error {
	m.mu.Lock()
	if !m.connected || m.driver == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	d := m.driver
	m.subs[requestID] = subscription{contractID: contract.ConID, tickType: tickType}
	m.mu.Unlock()

	if err := d.ReqTickByTickData(requestID, contract, tickType.Upstream(), 0, false); err != nil {
		m.mu.Lock()
		delete(m.subs, requestID)
		m.mu.Unlock()
		return fmt.Errorf("subscribe %d/%s: %w", contract.ConID, tickType, err)
	}

	m.logger.Debug("subscribed",
		"request_id", requestID,
		"contract_id", contract.ConID,
		"tick_type", tickType,
	)
	return nil
}

// Unsubscribe cancels a subscription. Unknown ids and a dead session
// are both fine; cancellation upstream is best-effort.
func (m *manager) Unsubscribe(requestID int32) error {
	m.mu.Lock()
	_, known := m.subs[requestID]
	delete(m.subs, requestID)
	d := m.driver
	connected := m.connected
	m.mu.Unlock()

	if !known || !connected || d == nil {
		return nil
	}
	if err := d.CancelTickByTickData(requestID); err != nil {
		m.logger.Warn("cancel subscription failed", "request_id", requestID, "error", err)
	}
	return nil
}

// ContractDetails requests the full contract record and blocks until
// the end marker, an upstream error, or ctx expires.
func (m *manager) ContractDetails(ctx context.Context, contract tws.Contract) ([]tws.ContractDetails, error) {
	m.mu.RLock()
	d := m.driver
	connected := m.connected
	m.mu.RUnlock()
	if !connected || d == nil {
		return nil, ErrNotConnected
	}

	m.detailsMu.Lock()
	m.detailsSeq++
	reqID := detailsReqBase + m.detailsSeq%4096
	call := &detailsCall{done: make(chan error, 1)}
	m.details[reqID] = call
	m.detailsMu.Unlock()

	defer func() {
		m.detailsMu.Lock()
		delete(m.details, reqID)
		m.detailsMu.Unlock()
	}()

	if err := d.ReqContractDetails(reqID, contract); err != nil {
		return nil, fmt.Errorf("contract details %d: %w", contract.ConID, err)
	}

	select {
	case err := <-call.done:
		if err != nil {
			return nil, err
		}
		return call.results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// supervise keeps one session alive: dial, wait for it to die,
// back off, repeat. Backoff grows two seconds per consecutive failure
// up to the configured cap.
func (m *manager) supervise() {
	defer m.wg.Done()

	failures := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		if err := m.connectOnce(); err != nil {
			failures++
			delay := m.backoff(failures)
			m.logger.Warn("upstream connect failed",
				"error", err,
				"failures", failures,
				"retry_in", delay,
			)
			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
			continue
		}
		failures = 0

		m.mu.RLock()
		down := m.down
		m.mu.RUnlock()

		select {
		case <-down:
			m.reconnects.Add(1)
			failures++
			delay := m.backoff(failures)
			m.logger.Warn("upstream session lost", "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *manager) backoff(failures int) time.Duration {
	delay := m.cfg.ReconnectDelay + time.Duration(failures)*2*time.Second
	if delay > m.cfg.MaxReconnectDelay {
		delay = m.cfg.MaxReconnectDelay
	}
	return delay
}

// connectOnce tries each configured port in order. A port counts as
// connected only once the next-valid-id message arrives.
func (m *manager) connectOnce() error {
	for _, port := range m.cfg.Ports {
		if m.ctx.Err() != nil {
			return m.ctx.Err()
		}

		hs := make(chan struct{})
		m.mu.Lock()
		m.handshake = hs
		m.mu.Unlock()

		d := m.newDriver(m.callbacks())
		if err := d.Connect(m.cfg.Host, port, m.cfg.ClientID); err != nil {
			m.logger.Debug("port attempt failed", "port", port, "error", err)
			d.Close()
			continue
		}

		select {
		case <-hs:
			m.mu.Lock()
			m.driver = d
			m.connected = true
			m.port = port
			m.down = make(chan struct{})
			m.lastProbe = time.Now()
			m.mu.Unlock()
			m.logger.Info("upstream connected", "port", port)
			return nil
		case <-time.After(m.cfg.ConnectTimeout):
			m.logger.Debug("handshake timed out", "port", port)
			d.Close()
		case <-m.ctx.Done():
			d.Close()
			return m.ctx.Err()
		}
	}
	return ErrAllPortsFailed
}

// probeLoop verifies liveness with current-time requests. TWS keeps a
// dead TCP session looking healthy, so a missing reply is the only
// reliable signal short of a failed write.
func (m *manager) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.RLock()
			d := m.driver
			connected := m.connected
			stale := connected && time.Since(m.lastProbe) > 3*m.cfg.ProbeInterval
			m.mu.RUnlock()

			if !connected || d == nil {
				continue
			}
			if stale {
				m.logger.Warn("liveness probe unanswered, declaring session dead")
				m.teardown("probe timeout")
				continue
			}
			if err := d.ReqCurrentTime(); err != nil {
				m.teardown("probe write failed")
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// teardown ends the current session: closes the driver, clears the
// subscription map, fails pending detail calls, and emits one
// session-fatal event. Idempotent per session.
func (m *manager) teardown(reason string) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	d := m.driver
	m.driver = nil
	down := m.down
	nsubs := len(m.subs)
	m.subs = make(map[int32]subscription)
	m.mu.Unlock()

	if d != nil {
		d.Close()
	}
	if down != nil {
		close(down)
	}

	m.detailsMu.Lock()
	for id, call := range m.details {
		call.done <- ErrNotConnected
		delete(m.details, id)
	}
	m.detailsMu.Unlock()

	m.logger.Warn("session torn down", "reason", reason, "dropped_subscriptions", nsubs)
	m.emitError(ErrorEvent{
		RequestID: 0,
		Code:      CodeConnectivityLost,
		Message:   reason,
		Severity:  SeverityFatal,
	})
}

// callbacks builds the driver callback set. All callbacks run on the
// driver's reader goroutine and must stay non-blocking.
func (m *manager) callbacks() tws.Callbacks {
	return tws.Callbacks{
		TickByTickLast:     m.onTickLast,
		TickByTickBidAsk:   m.onTickBidAsk,
		TickByTickMidPoint: m.onTickMidPoint,
		Error:              m.onError,
		NextValidID:        m.onNextValidID,
		CurrentTime:        m.onCurrentTime,
		ContractDetails:    m.onContractDetails,
		ContractDetailsEnd: m.onContractDetailsEnd,
		ConnectionClosed:   func() { m.teardown("socket closed") },
	}
}

func (m *manager) onNextValidID(orderID int32) {
	m.mu.Lock()
	hs := m.handshake
	m.handshake = nil
	m.mu.Unlock()
	if hs != nil {
		close(hs)
	}
}

func (m *manager) onCurrentTime(unixTime int64) {
	m.mu.Lock()
	m.lastProbe = time.Now()
	m.mu.Unlock()
}

func (m *manager) onError(reqID int32, code int, msg string) {
	switch sev := Classify(code); sev {
	case SeverityFatal:
		m.logger.Error("session-fatal upstream error", "code", code, "message", msg)
		m.teardown(fmt.Sprintf("upstream error %d", code))

	case SeverityInfo:
		m.logger.Info("upstream notice", "code", code, "message", msg)

	case SeverityContractNotFound:
		if m.failDetailsCall(reqID, fmt.Errorf("contract not found: %s", msg)) {
			return
		}
		m.emitError(ErrorEvent{RequestID: reqID, Code: code, Message: msg, Severity: sev})

	default:
		if reqID <= 0 {
			m.logger.Warn("upstream warning", "code", code, "message", msg)
			return
		}
		if m.failDetailsCall(reqID, fmt.Errorf("upstream error %d: %s", code, msg)) {
			return
		}
		m.emitError(ErrorEvent{RequestID: reqID, Code: code, Message: msg, Severity: sev})
	}
}

func (m *manager) onContractDetails(reqID int32, det tws.ContractDetails) {
	m.detailsMu.Lock()
	defer m.detailsMu.Unlock()
	if call, ok := m.details[reqID]; ok {
		call.results = append(call.results, det)
	}
}

func (m *manager) onContractDetailsEnd(reqID int32) {
	m.detailsMu.Lock()
	call, ok := m.details[reqID]
	m.detailsMu.Unlock()
	if ok {
		call.done <- nil
	}
}

// failDetailsCall routes a request-scoped error to a pending details
// call, reporting whether the id belonged to one.
func (m *manager) failDetailsCall(reqID int32, err error) bool {
	m.detailsMu.Lock()
	call, ok := m.details[reqID]
	m.detailsMu.Unlock()
	if ok {
		call.done <- err
	}
	return ok
}

func (m *manager) onTickLast(reqID int32, tickType int, unixTime int64, price, size float64, attrib tws.TickAttribLast, exchange, special string) {
	sub, ok := m.lookup(reqID)
	if !ok {
		return
	}
	m.emitTick(TickEvent{
		RequestID: reqID,
		Tick: model.TickMessage{
			IBTimestampUS:     unixTime * 1_000_000,
			SystemTimestampUS: time.Now().UnixMicro(),
			ContractID:        sub.contractID,
			TickType:          sub.tickType,
			RequestID:         reqID,
			Price:             price,
			Size:              size,
			Unreported:        attrib.Unreported,
		},
	})
}

func (m *manager) onTickBidAsk(reqID int32, unixTime int64, bidPrice, askPrice, bidSize, askSize float64, attrib tws.TickAttribBidAsk) {
	sub, ok := m.lookup(reqID)
	if !ok {
		return
	}
	m.emitTick(TickEvent{
		RequestID: reqID,
		Tick: model.TickMessage{
			IBTimestampUS:     unixTime * 1_000_000,
			SystemTimestampUS: time.Now().UnixMicro(),
			ContractID:        sub.contractID,
			TickType:          sub.tickType,
			RequestID:         reqID,
			BidPrice:          bidPrice,
			BidSize:           bidSize,
			AskPrice:          askPrice,
			AskSize:           askSize,
			BidPastLow:        attrib.BidPastLow,
			AskPastHigh:       attrib.AskPastHigh,
		},
	})
}

func (m *manager) onTickMidPoint(reqID int32, unixTime int64, midPoint float64) {
	sub, ok := m.lookup(reqID)
	if !ok {
		return
	}
	m.emitTick(TickEvent{
		RequestID: reqID,
		Tick: model.TickMessage{
			IBTimestampUS:     unixTime * 1_000_000,
			SystemTimestampUS: time.Now().UnixMicro(),
			ContractID:        sub.contractID,
			TickType:          sub.tickType,
			RequestID:         reqID,
			MidPoint:          midPoint,
		},
	})
}

func (m *manager) lookup(reqID int32) (subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[reqID]
	return sub, ok
}

func (m *manager) emitTick(ev TickEvent) {
	m.ticksReceived.Add(1)
	select {
	case m.ticks <- ev:
	default:
		if n := m.ticksDropped.Add(1); n%1000 == 1 {
			m.logger.Warn("tick channel full, dropping", "dropped_total", n)
		}
	}
}

func (m *manager) emitError(ev ErrorEvent) {
	select {
	case m.errs <- ev:
	default:
		m.logger.Warn("error channel full, dropping",
			"request_id", ev.RequestID,
			"code", ev.Code,
		)
	}
}
