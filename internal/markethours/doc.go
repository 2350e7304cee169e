// Package markethours parses TWS trading-hours strings and classifies
// market and per-contract health status.
//
// Pre-market and after-hours are derived from the contract's own trading
// and liquid hours schedules, never from wall-clock heuristics.
package markethours
