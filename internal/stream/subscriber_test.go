package stream

import (
	"strconv"
	"strings"
	"testing"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
)

func drainFrames(s *Subscriber) []Envelope {
	var out []Envelope
	for {
		select {
		case env := <-s.Frames():
			out = append(out, env)
		default:
			if fin, ok := s.Final(); ok {
				out = append(out, fin)
			}
			return out
		}
	}
}

func tick(us int64) model.TickMessage {
	return model.TickMessage{ContractID: 1, TickType: model.TickLast, IBTimestampUS: us}
}

func TestSubscriber_StreamIDShape(t *testing.T) {
	s := NewSubscriber(711280073, model.TickBidAsk, 10)
	parts := strings.Split(s.StreamID(), "_")
	// bid_ask itself contains an underscore.
	if len(parts) != 5 || parts[0] != "711280073" || parts[1]+"_"+parts[2] != "bid_ask" {
		t.Fatalf("stream id = %q", s.StreamID())
	}
	if _, err := strconv.ParseInt(parts[3], 10, 64); err != nil {
		t.Errorf("millis segment %q: %v", parts[3], err)
	}
	if len(parts[4]) != 8 {
		t.Errorf("random suffix = %q, want 8 chars", parts[4])
	}
}

func TestSubscriber_DeliversInOrder(t *testing.T) {
	s := NewSubscriber(1, model.TickLast, 10)
	for i := int64(0); i < 3; i++ {
		s.OnTick(tick(i))
	}
	s.OnComplete(router.ReasonLimitReached, 3)

	frames := drainFrames(s)
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	for i := 0; i < 3; i++ {
		if frames[i].Type != FrameTick {
			t.Errorf("frame %d type = %s", i, frames[i].Type)
		}
		if got := frames[i].Data.(model.TickMessage).IBTimestampUS; got != int64(i) {
			t.Errorf("frame %d ts = %d", i, got)
		}
	}
	last := frames[3]
	if last.Type != FrameComplete {
		t.Fatalf("last frame = %s", last.Type)
	}
	data := last.Data.(CompleteData)
	if data.Reason != router.ReasonLimitReached || data.TotalTicks != 3 {
		t.Errorf("complete = %+v", data)
	}
	if s.CloseCode() != CloseNormal {
		t.Errorf("close code = %d", s.CloseCode())
	}
}

func TestSubscriber_SlowConsumerOverflow(t *testing.T) {
	s := NewSubscriber(1, model.TickLast, 5)
	for i := int64(0); i < 7; i++ {
		s.OnTick(tick(i))
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("subscriber not terminated on overflow")
	}
	if s.CloseCode() != CloseInternal {
		t.Errorf("close code = %d, want 1011", s.CloseCode())
	}

	frames := drainFrames(s)
	// 5 queued ticks plus the terminal error held aside.
	if len(frames) != 6 {
		t.Fatalf("frames = %d, want 6", len(frames))
	}
	fin := frames[len(frames)-1]
	if fin.Type != FrameError {
		t.Fatalf("final frame = %s", fin.Type)
	}
	data := fin.Data.(ErrorData)
	if data.Code != router.CodeSlowConsumer || data.Recoverable {
		t.Errorf("final error = %+v", data)
	}
}

func TestSubscriber_ExactlyOneTerminal(t *testing.T) {
	s := NewSubscriber(1, model.TickLast, 10)
	s.OnComplete(router.ReasonTimeout, 0)
	s.OnComplete(router.ReasonServerShutdown, 0)
	s.OnError(router.CodeInternalError, "late", false)
	s.OnTick(tick(1))

	frames := drainFrames(s)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want only the first terminal", len(frames))
	}
	if frames[0].Data.(CompleteData).Reason != router.ReasonTimeout {
		t.Errorf("terminal = %+v", frames[0].Data)
	}
}

func TestSubscriber_RecoverableErrorKeepsStreaming(t *testing.T) {
	s := NewSubscriber(1, model.TickLast, 10)
	s.OnError(router.CodeConnectionError, "upstream flapping", true)
	s.OnTick(tick(1))

	if s.Terminated() {
		t.Fatal("recoverable error must not terminate")
	}
	frames := drainFrames(s)
	if len(frames) != 2 || frames[0].Type != FrameError || frames[1].Type != FrameTick {
		t.Errorf("frames = %+v", frames)
	}
}

func TestCloseCodeFor(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{router.CodeContractNotFound, CloseInvalidContract},
		{router.CodeConnectionError, CloseUpstreamLost},
		{router.CodeRateLimit, CloseRateLimit},
		{router.CodeInvalidMessage, CloseInvalidMessage},
		{router.CodeSlowConsumer, CloseInternal},
		{router.CodeBufferOverflow, CloseInternal},
		{router.CodeInternalError, CloseInternal},
	}
	for _, tc := range cases {
		if got := CloseCodeFor(tc.code); got != tc.want {
			t.Errorf("CloseCodeFor(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
