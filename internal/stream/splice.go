package stream

import (
	"sync"

	"github.com/lakowske/ib-stream/internal/model"
	"github.com/lakowske/ib-stream/internal/router"
)

// Splicer joins a historical replay onto a live subscription. It is
// registered as the handler sink BEFORE the historical range is read;
// live ticks arriving during the replay park in a bounded ring and are
// flushed after the replay so no tick is lost or reordered. A full
// ring terminates the subscriber with BUFFER_OVERFLOW.
type Splicer struct {
	sub      *Subscriber
	overflow *Ring[model.TickMessage]

	mu        sync.Mutex
	buffering bool
	deferred  []func()
}

// NewSplicer wraps sub in buffering mode.
func NewSplicer(sub *Subscriber, overflowSize int) *Splicer {
	if overflowSize < 1 {
		overflowSize = DefaultQueueSize
	}
	return &Splicer{
		sub:       sub,
		overflow:  NewRing[model.TickMessage](overflowSize),
		buffering: true,
	}
}

// Subscriber returns the wrapped subscriber.
func (sp *Splicer) Subscriber() *Subscriber { return sp.sub }

// OnTick parks the tick while buffering, otherwise delivers it as a
// live frame.
func (sp *Splicer) OnTick(tick model.TickMessage) {
	sp.mu.Lock()
	if sp.buffering {
		ok := sp.overflow.Send(tick)
		sp.mu.Unlock()
		if !ok {
			sp.sub.Fail(router.CodeBufferOverflow, "live queue overflow during historical replay")
		}
		return
	}
	sp.mu.Unlock()
	sp.liveTick(tick)
}

// OnError defers while buffering so replay frames keep their order.
func (sp *Splicer) OnError(code, message string, recoverable bool) {
	sp.mu.Lock()
	if sp.buffering {
		sp.deferred = append(sp.deferred, func() { sp.sub.OnError(code, message, recoverable) })
		sp.mu.Unlock()
		return
	}
	sp.mu.Unlock()
	sp.sub.OnError(code, message, recoverable)
}

// OnComplete defers while buffering so the terminal frame lands after
// the replay.
func (sp *Splicer) OnComplete(reason string, totalTicks int64) {
	sp.mu.Lock()
	if sp.buffering {
		sp.deferred = append(sp.deferred, func() { sp.sub.OnComplete(reason, totalTicks) })
		sp.mu.Unlock()
		return
	}
	sp.mu.Unlock()
	sp.sub.OnComplete(reason, totalTicks)
}

// Replay emits the buffered-playback sequence and switches to live
// delivery: buffer_start, each historical tick tagged with its index,
// buffer_complete, live_start, then the parked live ticks and any
// deferred events.
func (sp *Splicer) Replay(historical []model.TickMessage) {
	sub := sp.sub
	id := sub.StreamID()
	total := len(historical)

	sub.Send(InfoFrame(id, "buffer_start", map[string]any{"buffer_message_count": total}))
	for i, tick := range historical {
		if sub.Terminated() {
			return
		}
		sub.Send(TickFrame(id, tick, map[string]any{
			"historical":   true,
			"buffer_index": i,
			"buffer_total": total,
		}))
	}
	sub.Send(InfoFrame(id, "buffer_complete", nil))
	sub.Send(InfoFrame(id, "live_start", nil))

	// Drain and deliver under the lock so a tick racing in from the
	// router cannot overtake the parked backlog. Send never blocks.
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, tick := range sp.overflow.DrainTo(0) {
		sp.liveTick(tick)
	}
	for _, fn := range sp.deferred {
		fn()
	}
	sp.deferred = nil
	sp.buffering = false
}

func (sp *Splicer) liveTick(tick model.TickMessage) {
	sp.sub.Send(TickFrame(sp.sub.StreamID(), tick, map[string]any{"historical": false}))
}
