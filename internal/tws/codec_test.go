package tws

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := encodeFrame("97", "12345", "265598", "AAPL", "", "0")

	fields, err := readFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}

	want := []string{"97", "12345", "265598", "AAPL", "", "0"}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field[%d] = %q, want %q", i, fields[i], want[i])
		}
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	frame := encodeFrame("97", "1")
	if _, err := readFrame(bytes.NewReader(frame[:5])); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestReadFrame_ZeroSize(t *testing.T) {
	if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Error("expected error for zero-size frame")
	}
}

func TestFieldScanner(t *testing.T) {
	sc := newScanner([]string{"99", "12345", "3", "1705329000", "187.23", "187.25", "3", "5", "2"})

	if got := sc.nextInt(); got != 99 {
		t.Errorf("msg id = %d", got)
	}
	if got := sc.nextInt(); got != 12345 {
		t.Errorf("req id = %d", got)
	}
	if got := sc.nextInt(); got != 3 {
		t.Errorf("tick type = %d", got)
	}
	if got := sc.nextInt64(); got != 1705329000 {
		t.Errorf("time = %d", got)
	}
	if got := sc.nextFloat(); got != 187.23 {
		t.Errorf("bid = %f", got)
	}
	if sc.Err() != nil {
		t.Errorf("unexpected scanner error: %v", sc.Err())
	}
}

func TestFieldScanner_PastEnd(t *testing.T) {
	sc := newScanner([]string{"99"})
	sc.next()
	sc.next()
	if sc.Err() == nil {
		t.Error("expected truncation error")
	}
}

func TestFieldScanner_EmptyIsZero(t *testing.T) {
	sc := newScanner([]string{"", ""})
	if got := sc.nextInt(); got != 0 {
		t.Errorf("empty int = %d, want 0", got)
	}
	if got := sc.nextFloat(); got != 0 {
		t.Errorf("empty float = %f, want 0", got)
	}
	if sc.Err() != nil {
		t.Errorf("empty fields should not error: %v", sc.Err())
	}
}

func TestDispatch_TickByTickBidAsk(t *testing.T) {
	var (
		gotReqID int32
		gotBid   float64
		gotAsk   float64
		gotAttr  TickAttribBidAsk
	)
	d := NewSocketDriver(Callbacks{
		TickByTickBidAsk: func(reqID int32, unixTime int64, bidPrice, askPrice, bidSize, askSize float64, attrib TickAttribBidAsk) {
			gotReqID = reqID
			gotBid = bidPrice
			gotAsk = askPrice
			gotAttr = attrib
		},
	}, nil)

	d.dispatch([]string{"99", "12345", "3", "1705329000", "187.23", "187.25", "3", "5", "1"})

	if gotReqID != 12345 {
		t.Errorf("req id = %d", gotReqID)
	}
	if gotBid != 187.23 || gotAsk != 187.25 {
		t.Errorf("bid/ask = %f/%f", gotBid, gotAsk)
	}
	if !gotAttr.BidPastLow || gotAttr.AskPastHigh {
		t.Errorf("attrib = %+v", gotAttr)
	}
}

func TestDispatch_TickByTickLast(t *testing.T) {
	var (
		gotType  int
		gotPrice float64
		gotAttr  TickAttribLast
	)
	d := NewSocketDriver(Callbacks{
		TickByTickLast: func(reqID int32, tickType int, unixTime int64, price, size float64, attrib TickAttribLast, exchange, special string) {
			gotType = tickType
			gotPrice = price
			gotAttr = attrib
		},
	}, nil)

	d.dispatch([]string{"99", "777", "2", "1705329000", "187.23", "100", "2", "ISLAND", ""})

	if gotType != tickTypeAllLast {
		t.Errorf("tick type = %d", gotType)
	}
	if gotPrice != 187.23 {
		t.Errorf("price = %f", gotPrice)
	}
	if !gotAttr.Unreported || gotAttr.PastLimit {
		t.Errorf("attrib = %+v", gotAttr)
	}
}

func TestDispatch_Error(t *testing.T) {
	var (
		gotReqID int32
		gotCode  int
		gotMsg   string
	)
	d := NewSocketDriver(Callbacks{
		Error: func(reqID int32, code int, msg string) {
			gotReqID, gotCode, gotMsg = reqID, code, msg
		},
	}, nil)

	d.dispatch([]string{"4", "2", "12345", "200", "No security definition has been found"})

	if gotReqID != 12345 || gotCode != 200 {
		t.Errorf("reqID/code = %d/%d", gotReqID, gotCode)
	}
	if gotMsg == "" {
		t.Error("message missing")
	}
}

func TestDispatch_NextValidID(t *testing.T) {
	var got int32
	d := NewSocketDriver(Callbacks{
		NextValidID: func(orderID int32) { got = orderID },
	}, nil)

	d.dispatch([]string{"9", "1", "17"})

	if got != 17 {
		t.Errorf("next valid id = %d, want 17", got)
	}
}
