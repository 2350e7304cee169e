// Package metrics exposes gateway counters as Prometheus metrics.
//
// Components are not instrumented inline; each already keeps its own
// Stats snapshot, and a single collector reads those snapshots at
// scrape time. Key metrics:
//   - upstream session state, tick throughput, reconnects
//   - router handler counts and routed/unrouted ticks
//   - storage stored/dropped counters and per-writer queue depth
//   - background subscription counts per tracked contract
package metrics
