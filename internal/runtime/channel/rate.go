package channel

import (
	"sync"
	"time"
)

// DefaultRateSamples is the sample window RateTracker keeps by default.
const DefaultRateSamples = 100

// RateTracker estimates the observed item rate over the last N sample
// timestamps. Batched items record one timestamp per sample.
type RateTracker struct {
	mu      sync.Mutex
	samples []time.Time
	next    int
	count   int
}

// NewRateTracker returns a tracker holding up to size samples.
func NewRateTracker(size int) *RateTracker {
	if size < 2 {
		size = DefaultRateSamples
	}
	return &RateTracker{samples: make([]time.Time, size)}
}

// Record adds n samples observed at now.
func (r *RateTracker) Record(now time.Time, n int) {
	if n <= 0 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.samples) {
		n = len(r.samples)
	}
	for i := 0; i < n; i++ {
		r.samples[r.next] = now
		r.next = (r.next + 1) % len(r.samples)
		if r.count < len(r.samples) {
			r.count++
		}
	}
}

// Value returns samples per second over the retained window, or zero when
// fewer than two samples or no elapsed time are available.
func (r *RateTracker) Value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < 2 {
		return 0
	}
	oldest := r.samples[(r.next-r.count+len(r.samples))%len(r.samples)]
	newest := r.samples[(r.next-1+len(r.samples))%len(r.samples)]
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(r.count-1) / span
}

// Reset drops every sample.
func (r *RateTracker) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.count = 0
}
