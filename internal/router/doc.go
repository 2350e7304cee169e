// Package router demultiplexes the upstream tick stream to downstream
// consumers.
//
// The router owns the request_id to Handler table and is the single
// point where ticks enter storage. Each Handler feeds one Sink and
// emits exactly one terminal event: complete on limit, deadline,
// cancellation, or shutdown; an unrecoverable error followed by its
// complete on failure.
package router
