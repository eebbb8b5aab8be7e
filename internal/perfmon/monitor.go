// Package perfmon records per-frame timing and drop statistics for the
// encrypted media path. It is a passive observer: the transform contexts
// feed it, the UI layer reads it.
package perfmon

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Operation labels the measured frame transform.
type Operation string

const (
	OpEncrypt Operation = "encrypt"
	OpDecrypt Operation = "decrypt"
)

const (
	// DefaultWindow is how many recent samples feed the rolling statistics.
	DefaultWindow = 1000

	// DefaultBudget is the per-frame real-time budget; a single operation
	// above it raises a warning (one frame at typical framerates).
	DefaultBudget = 10 * time.Millisecond
)

// Stats is a read-only snapshot of one operation's rolling statistics.
type Stats struct {
	Operation Operation
	Count     int
	Avg       time.Duration
	Max       time.Duration
	P95       time.Duration
}

// Monitor keeps a rolling window of operation latencies plus a dropped-frame
// counter. Safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	window  int
	budget  time.Duration
	samples map[Operation]*ring
	dropped uint64
}

type ring struct {
	buf  []time.Duration
	next int
	full bool
}

func (r *ring) add(d time.Duration) {
	r.buf[r.next] = d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot() []time.Duration {
	if r.full {
		out := make([]time.Duration, len(r.buf))
		copy(out, r.buf)
		return out
	}
	out := make([]time.Duration, r.next)
	copy(out, r.buf[:r.next])
	return out
}

// New creates a monitor. window <= 0 and budget <= 0 select the defaults.
func New(window int, budget time.Duration) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Monitor{
		window:  window,
		budget:  budget,
		samples: make(map[Operation]*ring),
	}
}

// Record adds one latency sample and warns if it blew the frame budget.
func (m *Monitor) Record(op Operation, d time.Duration) {
	m.mu.Lock()
	r, ok := m.samples[op]
	if !ok {
		r = &ring{buf: make([]time.Duration, m.window)}
		m.samples[op] = r
	}
	r.add(d)
	budget := m.budget
	m.mu.Unlock()

	if d > budget {
		slog.Warn("perfmon: slow frame transform",
			slog.String("operation", string(op)),
			slog.Duration("duration", d),
			slog.Duration("budget", budget))
	}
}

// RecordDrop counts one dropped frame.
func (m *Monitor) RecordDrop() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// DroppedFrames returns the total dropped-frame count.
func (m *Monitor) DroppedFrames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Stats computes the rolling average, max, and 95th-percentile latency for
// the operation over the sample window.
func (m *Monitor) Stats(op Operation) Stats {
	m.mu.Lock()
	r, ok := m.samples[op]
	var samples []time.Duration
	if ok {
		samples = r.snapshot()
	}
	m.mu.Unlock()

	s := Stats{Operation: op, Count: len(samples)}
	if len(samples) == 0 {
		return s
	}

	var total time.Duration
	for _, d := range samples {
		total += d
		if d > s.Max {
			s.Max = d
		}
	}
	s.Avg = total / time.Duration(len(samples))

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (len(samples)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	s.P95 = samples[idx]
	return s
}

// Snapshot returns stats for both frame operations.
func (m *Monitor) Snapshot() map[Operation]Stats {
	return map[Operation]Stats{
		OpEncrypt: m.Stats(OpEncrypt),
		OpDecrypt: m.Stats(OpDecrypt),
	}
}
