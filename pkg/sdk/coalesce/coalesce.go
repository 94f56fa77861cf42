// Package coalesce buffers incoming delta batches so a downstream UI sees
// a bounded update rate no matter how fast the server pushes.
package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
)

// Flusher receives the coalesced batches.
type Flusher interface {
	Flush(batch counts.Batch)
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func(batch counts.Batch)

// Flush calls f.
func (f FlusherFunc) Flush(batch counts.Batch) { f(batch) }

// Config holds configuration for the coalescer.
type Config struct {
	// MaxPending flushes early once this many distinct keys are buffered.
	MaxPending int

	// FlushEvery is the regular flush interval.
	FlushEvery time.Duration
}

// Coalescer merges incoming per-key updates into a pending map
// (last-write-wins per key) and flushes either when FlushEvery elapses or
// when MaxPending distinct keys have accumulated, whichever comes first.
type Coalescer struct {
	cfg     Config
	flusher Flusher

	mu        sync.Mutex
	pending   map[string]counts.Counts
	perSecond float64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coalescer. Zero config fields get defaults
// (64 pending keys, 250ms interval).
func New(flusher Flusher, cfg Config) *Coalescer {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 64
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 250 * time.Millisecond
	}
	return &Coalescer{
		cfg:     cfg,
		flusher: flusher,
		pending: make(map[string]counts.Counts),
		done:    make(chan struct{}),
	}
}

// Start starts the flush loop.
func (c *Coalescer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.flushLoop()
	return nil
}

// Add merges one delta batch into the pending buffer. Later values for a
// key replace earlier ones; counters are cumulative so nothing is lost.
func (c *Coalescer) Add(batch counts.Batch) {
	c.mu.Lock()
	for key, value := range batch.Events {
		c.pending[key] = value
	}
	c.perSecond = batch.PerSecond
	shouldFlush := len(c.pending) >= c.cfg.MaxPending
	c.mu.Unlock()

	if shouldFlush {
		c.Flush()
	}
}

// Flush delivers the pending buffer to the flusher, if non-empty.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := counts.Batch{
		PerSecond: c.perSecond,
		Events:    c.pending,
	}
	c.pending = make(map[string]counts.Counts)
	c.mu.Unlock()

	c.flusher.Flush(batch)
}

// Stop stops the flush loop and delivers whatever is still buffered.
func (c *Coalescer) Stop() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.Flush()
	return nil
}

func (c *Coalescer) flushLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}
