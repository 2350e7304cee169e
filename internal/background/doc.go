// Package background keeps persistent subscriptions alive for every
// enabled tracked contract, one per (contract, tick type) pair, on a
// dedicated upstream session.
//
// The manager polls connection state, converges active subscriptions
// toward the configured set, clears per-session state on disconnect,
// and monitors data staleness against each contract's own trading
// schedule. Its long-running loops report typed results to a
// supervisor that restarts crashed loops after a short delay.
package background
