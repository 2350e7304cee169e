// Package storage persists ticks to hourly-partitioned files and
// serves time-range queries over them.
//
// Two writer implementations share one layout: JSONL (one compact
// object per line) and binary (length-prefixed protobuf records). The
// Orchestrator fans every stored tick out to all registered writers
// through bounded queues, batching appends; queries go to a preferred
// writer with fallback. File paths are derived from the tick's event
// timestamp, so the filename alone locates a file in time.
package storage
