// Package contracts resolves instrument definitions through the
// external contract lookup service.
//
// Lookup responses are cached in memory with a TTL, with an optional
// Redis layer shared between gateway instances. The background
// subscription manager is the main consumer: it hydrates each tracked
// contract id into a full upstream contract record before subscribing.
package contracts
