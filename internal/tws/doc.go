// Package tws provides the upstream TWS/Gateway API driver.
//
// Driver is the narrow interface the gateway consumes: connect, the
// tick-by-tick request/cancel pair, contract details, and a current-time
// probe. SocketDriver implements it over the TWS socket protocol with
// only the message subset the gateway needs; no order entry.
package tws
