// Package rate provides a thread-safe events-per-second estimator.
package rate

import (
	"sync/atomic"
	"time"
)

const bucketDuration = 250 * time.Millisecond

// Tracker estimates an event rate over a sliding window. Time is divided
// into fixed buckets that rotate through a ring; observing an event bumps
// the current bucket, and the rate is the ring total divided by the window.
// The figure is advisory: buckets are cleared lazily, so a freshly rotated
// window can briefly include slightly stale counts.
type Tracker struct {
	buckets    []atomic.Int64
	lastBucket atomic.Int64 // bucket-aligned elapsed nanos of the newest bucket
	window     time.Duration
	start      time.Time

	// Overridable in tests.
	now func() time.Time
}

// New creates a tracker covering the given window.
func New(window time.Duration) *Tracker {
	numBuckets := int(window / bucketDuration)
	if numBuckets < 1 {
		numBuckets = 1
		window = bucketDuration
	}
	return &Tracker{
		buckets: make([]atomic.Int64, numBuckets),
		window:  window,
		start:   time.Now(),
		now:     time.Now,
	}
}

// Observe records one event.
func (t *Tracker) Observe() {
	t.maybeAdvance()
	t.buckets[t.currentBucket()].Add(1)
}

// PerSecond returns the current rate in events per second. Never negative.
func (t *Tracker) PerSecond() float64 {
	t.maybeAdvance()

	var total int64
	for i := range t.buckets {
		total += t.buckets[i].Load()
	}
	if total < 0 {
		return 0
	}
	return float64(total) / t.window.Seconds()
}

func (t *Tracker) elapsed() int64 {
	return t.now().Sub(t.start).Nanoseconds()
}

func (t *Tracker) currentBucket() int {
	return int(t.elapsed()/bucketDuration.Nanoseconds()) % len(t.buckets)
}

// maybeAdvance clears buckets that have rotated out of the window since the
// last observation. A CAS on the bucket clock makes sure only one caller
// does the clearing for any given rotation.
func (t *Tracker) maybeAdvance() {
	nanos := bucketDuration.Nanoseconds()
	current := (t.elapsed() / nanos) * nanos
	last := t.lastBucket.Load()

	if current <= last {
		return
	}
	if !t.lastBucket.CompareAndSwap(last, current) {
		return
	}

	advance := (current - last) / nanos
	if advance > int64(len(t.buckets)) {
		advance = int64(len(t.buckets))
	}
	for i := int64(0); i < advance; i++ {
		bucketTime := last + (i+1)*nanos
		idx := int(bucketTime/nanos) % len(t.buckets)
		t.buckets[idx].Store(0)
	}
}
