package supervision

import (
	"sync"
	"time"
)

// DefaultLogSize is the number of recent results kept in memory.
const DefaultLogSize = 1000

// Stats summarizes every validation since start.
type Stats struct {
	Total         int64   `json:"total"`
	Approved      int64   `json:"approved"`
	Blocked       int64   `json:"blocked"`
	Warnings      int64   `json:"warnings"`
	Escalations   int64   `json:"escalations"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// Log keeps a bounded ring of recent results plus running totals.
type Log struct {
	mu    sync.Mutex
	ring  []Result
	next  int
	full  bool
	stats Stats
	total time.Duration
}

// NewLog returns a log holding at most size results.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{ring: make([]Result, size)}
}

// Add appends r, evicting the oldest entry when full.
func (l *Log) Add(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = r
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}

	l.stats.Total++
	switch r.OverallStatus {
	case StatusApproved:
		l.stats.Approved++
	case StatusBlocked:
		l.stats.Blocked++
	case StatusWarning:
		l.stats.Warnings++
	case StatusRequiresEscalation:
		l.stats.Escalations++
	}
	l.total += r.Duration
	l.stats.AvgDurationMs = float64(l.total.Microseconds()) / 1000 / float64(l.stats.Total)
}

// Recent returns up to n results, newest first.
func (l *Log) Recent(n int) []Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Result, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Stats returns the running totals.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
