// Package connection owns upstream TWS sessions.
//
// Conn multiplexes tick-by-tick subscriptions onto one authenticated
// session and publishes decoded ticks on a typed channel. Upstream
// error codes are classified; session-fatal codes tear the session down
// and notify the owner, request-scoped codes are delivered alongside
// the tick stream. Supervisor wraps a Conn with the reconnect loop used
// for the interactive session.
package connection
