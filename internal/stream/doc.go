// Package stream is the transport-independent subscriber layer shared
// by the SSE and WebSocket surfaces.
//
// A Subscriber adapts the router's event callbacks into a bounded
// outbound frame queue drained by one sender goroutine per transport.
// The queue never blocks the router; a full queue terminates the
// subscriber with SLOW_CONSUMER. A Splicer layers historical replay in
// front of a live subscription, parking live ticks in a bounded ring
// until the replay finishes. Connection and message-rate limits for
// both transports also live here.
package stream
