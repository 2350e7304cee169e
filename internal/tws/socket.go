package tws

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Outbound message ids (TWS API subset).
const (
	outReqContractData  = 9
	outReqCurrentTime   = 49
	outStartAPI         = 71
	outReqTickByTick    = 97
	outCancelTickByTick = 98
)

// Inbound message ids.
const (
	inErrMsg          = 4
	inNextValidID     = 9
	inContractData    = 10
	inManagedAccts    = 15
	inCurrentTime     = 49
	inContractDataEnd = 52
	inTickByTick      = 99
)

// Tick-by-tick subtype codes carried in the inbound frame.
const (
	tickTypeLast     = 1
	tickTypeAllLast  = 2
	tickTypeBidAsk   = 3
	tickTypeMidPoint = 4
)

// Client version range announced during the handshake.
const clientVersionRange = "v100..187"

// SocketDriver implements Driver over the TWS socket protocol.
type SocketDriver struct {
	cb     Callbacks
	logger *slog.Logger

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	closed        bool
	serverVersion int

	done chan struct{}
}

// NewSocketDriver creates a driver. Connect must be called before any
// request method.
func NewSocketDriver(cb Callbacks, logger *slog.Logger) *SocketDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketDriver{
		cb:     cb,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Factory returns a DriverFactory producing socket drivers.
func Factory(logger *slog.Logger) DriverFactory {
	return func(cb Callbacks) Driver {
		return NewSocketDriver(cb, logger)
	}
}

// Connect dials host:port, performs the version exchange, and sends
// START_API. The next-valid-id arrives asynchronously via callback.
func (d *SocketDriver) Connect(host string, port int, clientID int) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrAlreadyClosed
	}
	if d.connected {
		d.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	d.mu.Unlock()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}

	// Version exchange: "API\0" magic then the supported version range.
	if _, err := conn.Write(append([]byte("API\x00"), encodeFrame(clientVersionRange)...)); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	fields, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	conn.SetReadDeadline(time.Time{})

	sc := newScanner(fields)
	serverVersion := sc.nextInt()
	if sc.Err() != nil || serverVersion < 100 {
		conn.Close()
		return fmt.Errorf("%w: unsupported server version %d", ErrHandshake, serverVersion)
	}

	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.serverVersion = serverVersion
	d.mu.Unlock()

	// START_API: msg id, version, client id, optional capabilities.
	if err := d.send(encInt(outStartAPI), "2", encInt(clientID), ""); err != nil {
		d.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	go d.readLoop()

	d.logger.Debug("tws socket connected",
		"addr", addr,
		"server_version", serverVersion,
		"client_id", clientID,
	)
	return nil
}

// ReqTickByTickData subscribes to tick-by-tick data for a contract.
func (d *SocketDriver) ReqTickByTickData(reqID int32, c Contract, tickType string, numTicks int, ignoreSize bool) error {
	return d.send(
		encInt(outReqTickByTick),
		encInt32(reqID),
		encInt64(c.ConID),
		c.Symbol,
		c.SecType,
		c.Expiry,
		encFloat(c.Strike),
		c.Right,
		c.Multiplier,
		c.Exchange,
		c.PrimaryExchange,
		c.Currency,
		c.LocalSymbol,
		c.TradingClass,
		tickType,
		encInt(numTicks),
		encBool(ignoreSize),
	)
}

// CancelTickByTickData cancels a tick-by-tick subscription.
func (d *SocketDriver) CancelTickByTickData(reqID int32) error {
	return d.send(encInt(outCancelTickByTick), encInt32(reqID))
}

// ReqContractDetails requests the full contract record.
func (d *SocketDriver) ReqContractDetails(reqID int32, c Contract) error {
	return d.send(
		encInt(outReqContractData),
		"8", // message version
		encInt32(reqID),
		encInt64(c.ConID),
		c.Symbol,
		c.SecType,
		c.Expiry,
		encFloat(c.Strike),
		c.Right,
		c.Multiplier,
		c.Exchange,
		c.PrimaryExchange,
		c.Currency,
		c.LocalSymbol,
		c.TradingClass,
		"0", // include expired
		"",  // sec id type
		"",  // sec id
	)
}

// ReqCurrentTime requests the server clock.
func (d *SocketDriver) ReqCurrentTime() error {
	return d.send(encInt(outReqCurrentTime), "1")
}

// Close tears down the socket. Idempotent.
func (d *SocketDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.connected = false
	conn := d.conn
	d.mu.Unlock()

	close(d.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// send writes one frame under the connection lock.
func (d *SocketDriver) send(fields ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected || d.conn == nil {
		return ErrNotConnected
	}
	d.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := d.conn.Write(encodeFrame(fields...))
	return err
}

// readLoop decodes inbound frames and dispatches callbacks until the
// socket fails or the driver closes.
func (d *SocketDriver) readLoop() {
	for {
		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return
		}

		fields, err := readFrame(conn)
		if err != nil {
			select {
			case <-d.done:
				// Deliberate close.
			default:
				d.logger.Debug("tws read failed", "error", err)
				d.mu.Lock()
				d.connected = false
				d.mu.Unlock()
				if d.cb.ConnectionClosed != nil {
					d.cb.ConnectionClosed()
				}
			}
			return
		}

		d.dispatch(fields)
	}
}

// dispatch routes one decoded frame to its callback.
func (d *SocketDriver) dispatch(fields []string) {
	sc := newScanner(fields)
	msgID := sc.nextInt()

	switch msgID {
	case inTickByTick:
		d.dispatchTickByTick(sc)

	case inErrMsg:
		sc.next() // message version
		reqID := sc.nextInt()
		code := sc.nextInt()
		msg := sc.next()
		if d.cb.Error != nil {
			d.cb.Error(int32(reqID), code, msg)
		}

	case inNextValidID:
		sc.next() // message version
		orderID := sc.nextInt()
		if d.cb.NextValidID != nil {
			d.cb.NextValidID(int32(orderID))
		}

	case inCurrentTime:
		sc.next() // message version
		unixTime := sc.nextInt64()
		if d.cb.CurrentTime != nil {
			d.cb.CurrentTime(unixTime)
		}

	case inContractData:
		d.dispatchContractDetails(sc)

	case inContractDataEnd:
		sc.next() // message version
		reqID := sc.nextInt()
		if d.cb.ContractDetailsEnd != nil {
			d.cb.ContractDetailsEnd(int32(reqID))
		}

	case inManagedAccts:
		// Part of the post-handshake burst; nothing to do.

	default:
		d.logger.Debug("ignoring upstream message", "msg_id", msgID)
	}
}

// dispatchTickByTick decodes the three tick-by-tick variants.
func (d *SocketDriver) dispatchTickByTick(sc *fieldScanner) {
	reqID := int32(sc.nextInt())
	tickType := sc.nextInt()
	unixTime := sc.nextInt64()

	switch tickType {
	case tickTypeLast, tickTypeAllLast:
		price := sc.nextFloat()
		size := sc.nextFloat()
		mask := sc.nextInt()
		exchange := sc.next()
		special := sc.next()
		if sc.Err() != nil {
			d.logger.Warn("malformed tick-by-tick last frame", "req_id", reqID, "error", sc.Err())
			return
		}
		attrib := TickAttribLast{
			PastLimit:  mask&1 != 0,
			Unreported: mask&2 != 0,
		}
		if d.cb.TickByTickLast != nil {
			d.cb.TickByTickLast(reqID, tickType, unixTime, price, size, attrib, exchange, special)
		}

	case tickTypeBidAsk:
		bidPrice := sc.nextFloat()
		askPrice := sc.nextFloat()
		bidSize := sc.nextFloat()
		askSize := sc.nextFloat()
		mask := sc.nextInt()
		if sc.Err() != nil {
			d.logger.Warn("malformed tick-by-tick bid-ask frame", "req_id", reqID, "error", sc.Err())
			return
		}
		attrib := TickAttribBidAsk{
			BidPastLow:  mask&1 != 0,
			AskPastHigh: mask&2 != 0,
		}
		if d.cb.TickByTickBidAsk != nil {
			d.cb.TickByTickBidAsk(reqID, unixTime, bidPrice, askPrice, bidSize, askSize, attrib)
		}

	case tickTypeMidPoint:
		midPoint := sc.nextFloat()
		if sc.Err() != nil {
			d.logger.Warn("malformed tick-by-tick mid-point frame", "req_id", reqID, "error", sc.Err())
			return
		}
		if d.cb.TickByTickMidPoint != nil {
			d.cb.TickByTickMidPoint(reqID, unixTime, midPoint)
		}

	default:
		d.logger.Debug("unknown tick-by-tick subtype", "req_id", reqID, "tick_type", tickType)
	}
}

// dispatchContractDetails decodes the subset of the contract-data frame
// the gateway consumes.
func (d *SocketDriver) dispatchContractDetails(sc *fieldScanner) {
	reqID := int32(sc.nextInt())

	var det ContractDetails
	det.Symbol = sc.next()
	det.SecType = sc.next()
	det.Expiry = sc.next()
	det.Strike = sc.nextFloat()
	det.Right = sc.next()
	det.Exchange = sc.next()
	det.Currency = sc.next()
	det.LocalSymbol = sc.next()
	sc.next() // market name
	det.TradingClass = sc.next()
	det.ConID = sc.nextInt64()
	det.MinTick = sc.nextFloat()
	det.Multiplier = sc.next()
	sc.next() // order types
	sc.next() // valid exchanges
	sc.next() // price magnifier
	sc.next() // underlying con id
	det.LongName = sc.next()
	det.PrimaryExchange = sc.next()
	sc.next() // contract month
	sc.next() // industry
	sc.next() // category
	sc.next() // subcategory
	det.TimeZoneID = sc.next()
	det.TradingHours = sc.next()
	det.LiquidHours = sc.next()

	if sc.Err() != nil {
		d.logger.Warn("malformed contract-data frame", "req_id", reqID, "error", sc.Err())
		return
	}
	if d.cb.ContractDetails != nil {
		d.cb.ContractDetails(reqID, det)
	}
}
