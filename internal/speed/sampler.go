// Package speed provides throughput accounting for individual transfers.
// The sampler is pure bookkeeping: callers feed it byte deltas with
// timestamps and read back instantaneous and lifetime averages.
package speed

import (
	"time"
)

// DefaultWindow is the trailing window used for the instantaneous figure.
// It is wide enough to smooth over chunk boundaries without hiding stalls.
const DefaultWindow = 3 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// Sampler accumulates progress ticks for one item and derives two throughput
// figures: a short trailing-window rate and a whole-lifetime average.
// It is not safe for concurrent use; the owning worker serializes calls.
type Sampler struct {
	window  time.Duration
	started time.Time
	total   int64
	samples []sample
}

// NewSampler creates a sampler with the given trailing window.
// A non-positive window falls back to DefaultWindow.
func NewSampler(window time.Duration) *Sampler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sampler{window: window}
}

// Start marks the beginning of the transfer lifetime. Deltas recorded before
// Start count toward the total but the average reads zero until started.
func (s *Sampler) Start(now time.Time) {
	s.started = now
}

// Add records a progress tick of delta bytes observed at the given time.
func (s *Sampler) Add(now time.Time, delta int64) {
	if delta <= 0 {
		return
	}
	s.total += delta
	s.samples = append(s.samples, sample{at: now, bytes: delta})
	s.prune(now)
}

// Total returns the number of bytes recorded so far.
func (s *Sampler) Total() int64 {
	return s.total
}

// Instant returns the trailing-window throughput in bytes per second.
// With fewer than two distinguishable sample times it falls back to the
// bytes-over-window ratio so a single large chunk still reads sensibly.
func (s *Sampler) Instant(now time.Time) float64 {
	s.prune(now)
	if len(s.samples) == 0 {
		return 0
	}

	var windowBytes int64
	for _, smp := range s.samples {
		windowBytes += smp.bytes
	}

	elapsed := now.Sub(s.samples[0].at)
	if elapsed <= 0 || elapsed > s.window {
		elapsed = s.window
	}
	return float64(windowBytes) / elapsed.Seconds()
}

// Average returns the lifetime throughput in bytes per second since Start.
func (s *Sampler) Average(now time.Time) float64 {
	if s.started.IsZero() {
		return 0
	}
	elapsed := now.Sub(s.started)
	if elapsed <= 0 {
		return 0
	}
	return float64(s.total) / elapsed.Seconds()
}

// Reset clears all recorded progress, e.g. when a retry restarts a transfer.
func (s *Sampler) Reset() {
	s.started = time.Time{}
	s.total = 0
	s.samples = s.samples[:0]
}

// prune drops samples that fell out of the trailing window.
func (s *Sampler) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}
