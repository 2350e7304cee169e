package stream

import (
	"sync"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
)

// DefaultQueueSize is the outbound frame queue bound per subscriber.
const DefaultQueueSize = 1000

// WebSocket close codes used by both transports' teardown paths.
const (
	CloseNormal          = 1000
	ClosePolicy          = 1008
	CloseInternal        = 1011
	CloseInvalidMessage  = 4000
	CloseInvalidContract = 4002
	CloseUpstreamLost    = 4003
	CloseRateLimit       = 4004
)

// CloseCodeFor maps a stream error code to the transport close code.
func CloseCodeFor(code string) int {
	switch code {
	case router.CodeContractNotFound:
		return CloseInvalidContract
	case router.CodeConnectionError:
		return CloseUpstreamLost
	case router.CodeRateLimit:
		return CloseRateLimit
	case router.CodeInvalidMessage:
		return CloseInvalidMessage
	}
	return CloseInternal
}

// Subscriber adapts router events for one stream into a bounded frame
// queue. It is the router.Sink for interactive handlers; a transport
// goroutine drains Frames until Done closes, then writes Final if set.
//
// The queue never blocks the router. When a frame cannot be queued the
// subscriber terminates with SLOW_CONSUMER.
type Subscriber struct {
	streamID   string
	contractID int64
	tickType   model.TickType

	frames chan Envelope
	done   chan struct{}

	mu         sync.Mutex
	terminated bool
	closeCode  int
	final      *Envelope
}

// NewSubscriber creates a subscriber with a fresh stream id.
func NewSubscriber(contractID int64, tickType model.TickType, queueSize int) *Subscriber {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Subscriber{
		streamID:   NewStreamID(contractID, tickType),
		contractID: contractID,
		tickType:   tickType,
		frames:     make(chan Envelope, queueSize),
		done:       make(chan struct{}),
		closeCode:  CloseNormal,
	}
}

func (s *Subscriber) StreamID() string         { return s.streamID }
func (s *Subscriber) ContractID() int64        { return s.contractID }
func (s *Subscriber) TickType() model.TickType { return s.tickType }

// Frames is the outbound queue the sender goroutine drains.
func (s *Subscriber) Frames() <-chan Envelope { return s.frames }

// Done closes once the subscriber has terminated. Frames already
// queued remain readable.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Final returns the terminal frame that did not fit in the queue, if
// any. The sender writes it after draining Frames.
func (s *Subscriber) Final() (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		return Envelope{}, false
	}
	return *s.final, true
}

// CloseCode returns the transport close code chosen at termination.
func (s *Subscriber) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// Terminated reports whether a terminal event has been recorded.
func (s *Subscriber) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// OnTick queues one live tick frame.
func (s *Subscriber) OnTick(tick model.TickMessage) {
	s.Send(TickFrame(s.streamID, tick, nil))
}

// OnError queues a recoverable error or terminates on a fatal one.
func (s *Subscriber) OnError(code, message string, recoverable bool) {
	env := ErrorFrame(s.streamID, code, message, recoverable)
	if recoverable {
		s.Send(env)
		return
	}
	s.finish(env, CloseCodeFor(code))
}

// OnComplete delivers the terminal completion frame.
func (s *Subscriber) OnComplete(reason string, totalTicks int64) {
	s.finish(CompleteFrame(s.streamID, reason, totalTicks), CloseNormal)
}

// Fail terminates the subscriber with a non-recoverable error frame.
func (s *Subscriber) Fail(code, message string) {
	s.OnError(code, message, false)
}

// Send queues a non-terminal frame, terminating on overflow.
func (s *Subscriber) Send(env Envelope) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.frames <- env:
	default:
		s.finish(
			ErrorFrame(s.streamID, router.CodeSlowConsumer, "outbound queue full", false),
			CloseInternal,
		)
	}
}

// finish records the terminal frame exactly once. The frame rides the
// queue when there is room, otherwise it is held for the sender to
// write last.
func (s *Subscriber) finish(env Envelope, closeCode int) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.closeCode = closeCode
	select {
	case s.frames <- env:
	default:
		s.final = &env
	}
	s.mu.Unlock()
	close(s.done)
}
