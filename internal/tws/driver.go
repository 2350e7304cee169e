package tws

import "errors"

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrHandshake     = errors.New("handshake failed")
)

// Contract identifies an instrument for upstream requests. A request by
// ConID alone is valid when SecType and Exchange are set.
type Contract struct {
	ConID           int64
	Symbol          string
	SecType         string
	Exchange        string
	PrimaryExchange string
	Currency        string
	LocalSymbol     string
	TradingClass    string
	Multiplier      string
	Expiry          string // YYYYMMDD, futures/options only
	Strike          float64
	Right           string // C / P, options only
}

// ContractDetails is the full upstream contract record, including the
// schedule metadata the health service consumes.
type ContractDetails struct {
	Contract
	LongName     string
	TradingHours string
	LiquidHours  string
	TimeZoneID   string
	MinTick      float64
}

// TickAttribLast carries the flag bits on last/all-last ticks.
type TickAttribLast struct {
	PastLimit  bool
	Unreported bool
}

// TickAttribBidAsk carries the flag bits on bid/ask ticks.
type TickAttribBidAsk struct {
	BidPastLow  bool
	AskPastHigh bool
}

// Callbacks receives decoded upstream events. Any field may be nil.
// Callbacks are invoked from the driver's reader goroutine and must not
// block.
type Callbacks struct {
	// TickByTickLast handles both Last (tickType 1) and AllLast (2).
	TickByTickLast     func(reqID int32, tickType int, unixTime int64, price, size float64, attrib TickAttribLast, exchange, specialConditions string)
	TickByTickBidAsk   func(reqID int32, unixTime int64, bidPrice, askPrice, bidSize, askSize float64, attrib TickAttribBidAsk)
	TickByTickMidPoint func(reqID int32, unixTime int64, midPoint float64)

	Error              func(reqID int32, code int, msg string)
	NextValidID        func(orderID int32)
	CurrentTime        func(unixTime int64)
	ContractDetails    func(reqID int32, details ContractDetails)
	ContractDetailsEnd func(reqID int32)
	ConnectionClosed   func()
}

// Driver is the upstream API surface the gateway consumes.
type Driver interface {
	// Connect dials one host:port and performs the API handshake.
	// The next-valid-id callback fires asynchronously on success.
	Connect(host string, port int, clientID int) error

	// ReqTickByTickData subscribes to tick-by-tick data. tickType uses
	// the upstream PascalCase spelling (Last, AllLast, BidAsk, MidPoint).
	ReqTickByTickData(reqID int32, contract Contract, tickType string, numTicks int, ignoreSize bool) error

	// CancelTickByTickData cancels a subscription. Best-effort, idempotent.
	CancelTickByTickData(reqID int32) error

	// ReqContractDetails requests the full contract record.
	ReqContractDetails(reqID int32, contract Contract) error

	// ReqCurrentTime requests the server clock; used as a liveness probe.
	ReqCurrentTime() error

	// Close tears down the socket.
	Close() error
}

// DriverFactory builds a fresh Driver for one connection attempt.
// Reconnects discard the old driver and build a new one.
type DriverFactory func(cb Callbacks) Driver
