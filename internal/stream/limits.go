package stream

import (
	"sync"
	"time"
)

// Transport limits.
const (
	DefaultMaxSubscriptions     = 20  // per connection
	DefaultMaxConnsPerIP        = 10  // per client ip
	DefaultMaxMessagesPerSecond = 100 // inbound, per connection
)

// IPLimiter caps concurrent connections per client ip.
type IPLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

// NewIPLimiter creates a limiter allowing max connections per ip.
func NewIPLimiter(max int) *IPLimiter {
	if max < 1 {
		max = DefaultMaxConnsPerIP
	}
	return &IPLimiter{max: max, counts: make(map[string]int)}
}

// Acquire reserves a connection slot. Returns false at the cap.
func (l *IPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

// Release frees a slot taken by Acquire.
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

// Active returns the live connection count for an ip.
func (l *IPLimiter) Active(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}

// MessageRate counts inbound messages in fixed one-second windows.
type MessageRate struct {
	mu     sync.Mutex
	limit  int
	window time.Time
	count  int
}

// NewMessageRate creates a counter allowing limit messages per second.
func NewMessageRate(limit int) *MessageRate {
	if limit < 1 {
		limit = DefaultMaxMessagesPerSecond
	}
	return &MessageRate{limit: limit}
}

// Allow records one message at now and reports whether it fits in the
// current window.
func (r *MessageRate) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.window) >= time.Second {
		r.window = now
		r.count = 0
	}
	r.count++
	return r.count <= r.limit
}
