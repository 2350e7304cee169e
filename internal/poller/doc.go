// Package poller periodically refreshes contract metadata for tracked
// contracts. Refreshing keeps the resolver caches warm across TTL
// expiry and surfaces contract changes (expiry, trading-hours updates)
// without waiting for a subscription restart.
package poller
