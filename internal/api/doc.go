// Package api is the gateway's HTTP surface: SSE and WebSocket
// streaming endpoints, buffer range queries, and the health and
// stream-management routes.
//
// The server translates requests into router handlers backed by
// stream.Subscriber queues. It owns no market-data state of its own;
// everything flows through the router, the storage orchestrator, and
// the upstream connection it is constructed with.
package api
