package connection

import "errors"

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectTimeout = errors.New("handshake timed out")
	ErrAllPortsFailed = errors.New("all ports exhausted")
)

// Severity classifies an upstream error code.
type Severity int

const (
	// SeverityFatal ends the session and triggers reconnection.
	SeverityFatal Severity = iota
	// SeverityInfo is upstream chatter worth a log line and nothing else.
	SeverityInfo
	// SeverityContractNotFound terminates the one affected subscription.
	SeverityContractNotFound
	// SeverityWarning is surfaced to the affected request when scoped.
	SeverityWarning
)

// Upstream error codes with fixed handling.
const (
	CodeContractNotFound = 200
	CodeConnectivityLost = 1100
)

// Classify maps an upstream error code to its severity.
// 502/504/1100 are session-fatal; 2100-2104, 2106 and 2158 are
// informational farm/data-server notices; 200 means the contract was
// not found for one request.
func Classify(code int) Severity {
	switch code {
	case 502, 504, CodeConnectivityLost:
		return SeverityFatal
	case CodeContractNotFound:
		return SeverityContractNotFound
	case 2100, 2101, 2102, 2103, 2104, 2106, 2158:
		return SeverityInfo
	}
	return SeverityWarning
}
