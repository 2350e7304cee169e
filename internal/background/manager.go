package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lakowske/ib-stream/internal/connection"
	"github.com/lakowske/ib-stream/internal/contracts"
	"github.com/lakowske/ib-stream/internal/markethours"
	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
	"github.com/lakowske/ib-stream/internal/tws"
)

// Manager owns the background subscriptions.
type Manager interface {
	// Start launches the connection, monitor, and pump loops.
	Start(ctx context.Context) error

	// Stop releases the subscriptions and waits for the loops.
	Stop(ctx context.Context) error

	// Stats snapshots the active-stream and last-data maps.
	Stats() Stats

	// Health reports per-contract health for the health endpoint.
	Health(now time.Time) []ContractHealth
}

type manager struct {
	cfg      Config
	conn     Upstream
	router   router.Router
	resolver contracts.Resolver
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	nextReqID    int32
	wasConnected bool
	failures     int
	active       map[int64]map[model.TickType]int32 // cid -> tt -> reqID
	startedAt    map[int64]time.Time
	lastData     map[int64]time.Time
	schedules    map[int64]markethours.Schedule
}

// NewManager creates the background manager over a dedicated upstream
// session.
func NewManager(cfg Config, conn Upstream, rtr router.Router, resolver contracts.Resolver, logger *slog.Logger) Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		cfg:       cfg,
		conn:      conn,
		router:    rtr,
		resolver:  resolver,
		logger:    logger,
		nextReqID: model.BackgroundRequestBase,
		active:    make(map[int64]map[model.TickType]int32),
		startedAt: make(map[int64]time.Time),
		lastData:  make(map[int64]time.Time),
		schedules: make(map[int64]markethours.Schedule),
	}
}

func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.supervise("connection-loop", m.connectionLoop)
	m.supervise("staleness-monitor", m.monitorLoop)
	m.supervise("tick-pump", m.pumpLoop)

	m.logger.Info("background manager started",
		"tracked_contracts", len(m.cfg.Tracked),
		"check_interval", m.cfg.CheckInterval,
	)
	return nil
}

func (m *manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	// Release handlers and upstream subscriptions best-effort.
	m.mu.Lock()
	active := m.active
	m.active = make(map[int64]map[model.TickType]int32)
	m.mu.Unlock()
	for _, byType := range active {
		for _, reqID := range byType {
			m.router.Unregister(reqID)
			m.conn.Unsubscribe(reqID)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("background manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background manager stop: %w", ctx.Err())
	}
}

// supervise runs a loop until clean exit. A loop that returns an error
// while the manager is still running restarts after TaskRestartDelay;
// cancellation is a clean exit.
func (m *manager) supervise(name string, run func(ctx context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			err := run(m.ctx)
			if m.ctx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			m.logger.Error("background task crashed, restarting",
				"task", name,
				"error", err,
				"restart_in", m.cfg.TaskRestartDelay,
			)
			select {
			case <-time.After(m.cfg.TaskRestartDelay):
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// connectionLoop polls upstream state and converges subscriptions.
func (m *manager) connectionLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

// checkOnce performs one connection-state transition and, while
// connected, one convergence pass.
func (m *manager) checkOnce(ctx context.Context) {
	connected := m.conn.IsConnected()

	m.mu.Lock()
	was := m.wasConnected
	m.wasConnected = connected
	m.mu.Unlock()

	switch {
	case was && !connected:
		m.onDisconnected()
	case !was && connected:
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		m.logger.Info("background session up, starting tracked subscriptions")
		m.ensureSubscriptions(ctx)
	case connected:
		m.ensureSubscriptions(ctx)
	}
}

// onDisconnected clears all per-session state. Request ids are invalid
// across sessions, so every mapping is dropped and the router releases
// the background handlers.
func (m *manager) onDisconnected() {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	active := m.active
	m.active = make(map[int64]map[model.TickType]int32)
	m.startedAt = make(map[int64]time.Time)
	m.mu.Unlock()

	released := 0
	for _, byType := range active {
		for _, reqID := range byType {
			m.router.Unregister(reqID)
			released++
		}
	}
	m.logger.Warn("background session lost",
		"failures", failures,
		"released_handlers", released,
	)
}

// ensureSubscriptions starts any (tracked contract, tick type) pair
// that has no active subscription.
func (m *manager) ensureSubscriptions(ctx context.Context) {
	for _, tc := range m.cfg.Tracked {
		if !tc.Enabled {
			continue
		}
		for _, tt := range tc.TickTypes {
			m.mu.Lock()
			_, have := m.active[tc.ContractID][tt]
			m.mu.Unlock()
			if have {
				continue
			}
			if err := m.startSubscription(ctx, tc, tt); err != nil {
				m.logger.Warn("background subscription start failed",
					"contract_id", tc.ContractID,
					"symbol", tc.Symbol,
					"tick_type", tt,
					"error", err,
				)
			}
		}
	}
}

// startSubscription hydrates the contract, registers the storage-only
// handler, and issues the upstream request. Failure aborts this single
// subscription, not the manager.
func (m *manager) startSubscription(ctx context.Context, tc model.TrackedContract, tt model.TickType) error {
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	contract, err := m.resolver.ContractByID(lookupCtx, tc.Symbol, tc.ContractID)
	if err != nil {
		return fmt.Errorf("resolve contract: %w", err)
	}

	reqID := m.allocReqID()
	h := router.NewHandler(reqID, tc.ContractID, tt, fmt.Sprintf("bg_%d_%s", tc.ContractID, tt), &bgSink{m: m, contractID: tc.ContractID, requestID: reqID})
	if err := m.router.Register(h); err != nil {
		return fmt.Errorf("register handler: %w", err)
	}

	if err := m.conn.Subscribe(reqID, contract.ToTWS(), tt); err != nil {
		m.router.Unregister(reqID)
		return fmt.Errorf("subscribe upstream: %w", err)
	}

	m.mu.Lock()
	if m.active[tc.ContractID] == nil {
		m.active[tc.ContractID] = make(map[model.TickType]int32)
		m.startedAt[tc.ContractID] = time.Now()
	}
	m.active[tc.ContractID][tt] = reqID
	m.mu.Unlock()

	m.loadSchedule(ctx, tc)

	m.logger.Info("background subscription started",
		"contract_id", tc.ContractID,
		"symbol", tc.Symbol,
		"tick_type", tt,
		"request_id", reqID,
	)
	return nil
}

func (m *manager) allocReqID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextReqID
	m.nextReqID++
	return id
}

// loadSchedule fetches the contract's trading-hours schedule once, for
// staleness gating and health reporting. Best-effort.
func (m *manager) loadSchedule(ctx context.Context, tc model.TrackedContract) {
	m.mu.Lock()
	_, have := m.schedules[tc.ContractID]
	m.mu.Unlock()
	if have {
		return
	}

	detCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	details, err := m.conn.ContractDetails(detCtx, tws.Contract{ConID: tc.ContractID, Symbol: tc.Symbol})
	if err != nil || len(details) == 0 {
		m.logger.Warn("trading schedule unavailable",
			"contract_id", tc.ContractID,
			"error", err,
		)
		return
	}

	det := details[0]
	loc, err := time.LoadLocation(det.TimeZoneID)
	if err != nil {
		loc = time.UTC
	}
	schedule := markethours.Schedule{
		Trading: markethours.ParseTradingHours(det.TradingHours, loc, m.logger),
		Liquid:  markethours.ParseTradingHours(det.LiquidHours, loc, m.logger),
	}

	m.mu.Lock()
	m.schedules[tc.ContractID] = schedule
	m.mu.Unlock()
}

// monitorLoop checks data staleness against each contract's schedule.
func (m *manager) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if m.conn.IsConnected() {
				m.monitorOnce(now)
			}
		}
	}
}

// monitorOnce warns about stale contracts expected to be trading and
// restarts subscriptions stuck past the restart threshold while the
// market is open. At most one restart per contract per cycle.
func (m *manager) monitorOnce(now time.Time) {
	for _, tc := range m.cfg.Tracked {
		if !tc.Enabled {
			continue
		}

		m.mu.Lock()
		byType, subscribed := m.active[tc.ContractID]
		if !subscribed || len(byType) == 0 {
			m.mu.Unlock()
			continue
		}
		last, hasData := m.lastData[tc.ContractID]
		if !hasData {
			last = m.startedAt[tc.ContractID]
		}
		schedule := m.schedules[tc.ContractID]
		m.mu.Unlock()

		status := schedule.StatusAt(now)
		if status == markethours.StatusClosed {
			continue
		}

		staleness := now.Sub(last)
		threshold := markethours.StalenessThreshold(m.cfg.StalenessThreshold, status)
		if staleness <= threshold {
			continue
		}

		m.logger.Warn("tracked contract data is stale",
			"contract_id", tc.ContractID,
			"symbol", tc.Symbol,
			"staleness", staleness.Round(time.Second),
			"threshold", threshold,
			"market_status", status,
		)

		if status == markethours.StatusOpen && staleness > m.cfg.RestartThreshold {
			m.restartContract(tc.ContractID)
		}
	}
}

// restartContract drops the contract's subscriptions; the next
// convergence pass re-creates them with fresh request ids.
func (m *manager) restartContract(contractID int64) {
	m.mu.Lock()
	byType := m.active[contractID]
	delete(m.active, contractID)
	delete(m.startedAt, contractID)
	m.mu.Unlock()

	for _, reqID := range byType {
		m.router.Unregister(reqID)
		if err := m.conn.Unsubscribe(reqID); err != nil {
			m.logger.Warn("background unsubscribe failed", "request_id", reqID, "error", err)
		}
	}
	m.logger.Warn("restarting background subscriptions",
		"contract_id", contractID,
		"dropped", len(byType),
	)
}

// pumpLoop routes the dedicated session's events into the shared
// router. Session-fatal events are left to the connection loop, which
// observes the state transition on its next poll.
func (m *manager) pumpLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-m.conn.Ticks():
			if !ok {
				return nil
			}
			m.router.RouteTick(ev.RequestID, ev.Tick)
		case ev, ok := <-m.conn.Errors():
			if !ok {
				return nil
			}
			if ev.RequestID == 0 && ev.Severity == connection.SeverityFatal {
				m.logger.Warn("background session reported fatal error", "message", ev.Message)
				continue
			}
			m.router.RouteError(ev.RequestID, ev.Code, ev.Message)
		}
	}
}

// clearActive drops the active entry for one terminated request id so
// the next convergence pass re-attempts the subscription.
func (m *manager) clearActive(contractID int64, requestID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := m.active[contractID]
	for tt, id := range byType {
		if id == requestID {
			delete(byType, tt)
		}
	}
	if len(byType) == 0 {
		delete(m.active, contractID)
		delete(m.startedAt, contractID)
	}
}

// updateLastData records the newest tick time for staleness tracking.
func (m *manager) updateLastData(contractID int64) {
	m.mu.Lock()
	m.lastData[contractID] = time.Now()
	m.mu.Unlock()
}

func (m *manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	streams := make(map[int64][]model.TickType, len(m.active))
	for cid, byType := range m.active {
		for tt := range byType {
			streams[cid] = append(streams[cid], tt)
		}
	}
	last := make(map[int64]time.Time, len(m.lastData))
	for cid, t := range m.lastData {
		last[cid] = t
	}
	return Stats{
		Connected:     m.wasConnected,
		Failures:      m.failures,
		ActiveStreams: streams,
		LastData:      last,
	}
}

func (m *manager) Health(now time.Time) []ContractHealth {
	connected := m.conn.IsConnected()

	var out []ContractHealth
	for _, tc := range m.cfg.Tracked {
		if !tc.Enabled {
			continue
		}

		m.mu.Lock()
		activeCount := len(m.active[tc.ContractID])
		last, hasData := m.lastData[tc.ContractID]
		schedule := m.schedules[tc.ContractID]
		m.mu.Unlock()

		status := schedule.StatusAt(now)
		in := markethours.HealthInput{
			Market:           status,
			ConnectionIssues: !connected,
			ActiveStreams:    activeCount,
			ExpectedStreams:  len(tc.TickTypes),
			HasData:          hasData,
			Threshold:        m.cfg.StalenessThreshold,
		}
		if hasData {
			in.Staleness = now.Sub(last)
		}

		ch := ContractHealth{
			ContractID:      tc.ContractID,
			Symbol:          tc.Symbol,
			Market:          status,
			Health:          markethours.Compute(in),
			ActiveStreams:   activeCount,
			ExpectedStreams: len(tc.TickTypes),
		}
		if hasData {
			ch.LastDataAge = now.Sub(last).Round(time.Second).String()
		}
		out = append(out, ch)
	}
	return out
}

// bgSink is the storage-only sink behind each background handler.
// Ticks already reached storage through the router; the sink's only
// job is staleness bookkeeping.
type bgSink struct {
	m          *manager
	contractID int64
	requestID  int32
}

func (s *bgSink) OnTick(tick model.TickMessage) {
	s.m.updateLastData(s.contractID)
}

func (s *bgSink) OnError(code, message string, recoverable bool) {
	s.m.logger.Warn("background stream error",
		"contract_id", s.contractID,
		"code", code,
		"message", message,
		"recoverable", recoverable,
	)
}

func (s *bgSink) OnComplete(reason string, totalTicks int64) {
	s.m.clearActive(s.contractID, s.requestID)
	s.m.logger.Info("background stream ended",
		"contract_id", s.contractID,
		"reason", reason,
		"total_ticks", totalTicks,
	)
}
