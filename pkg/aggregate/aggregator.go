// Package aggregate turns the firehose event stream into durable
// per-collection counters and live delta batches.
package aggregate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicktill/nsidwatch/pkg/jetstream"
	"github.com/nicktill/nsidwatch/pkg/rate"
	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
	"github.com/nicktill/nsidwatch/pkg/store"
)

// Broadcaster receives delta batches for live subscribers. It must never
// block the caller; slow-subscriber handling is its problem.
type Broadcaster interface {
	Broadcast(batch counts.Batch) error
}

// Config holds aggregator tuning.
type Config struct {
	// DeltaFlushInterval is how often pending deltas are pushed to the
	// broadcaster.
	DeltaFlushInterval time.Duration

	// Raw hits are buffered and flushed when the buffer reaches
	// HitBatchSize or HitFlushInterval elapses, whichever comes first.
	// A crash loses at most one such window of the audit log; the
	// counters themselves are written through synchronously.
	HitBatchSize     int
	HitFlushInterval time.Duration

	// MaxWriteFailures is the number of consecutive failed counter writes
	// tolerated before the process is terminated. The in-memory counters
	// stay authoritative for reads while under this threshold.
	MaxWriteFailures int
}

func (c *Config) applyDefaults() {
	if c.DeltaFlushInterval <= 0 {
		c.DeltaFlushInterval = time.Second
	}
	if c.HitBatchSize <= 0 {
		c.HitBatchSize = 256
	}
	if c.HitFlushInterval <= 0 {
		c.HitFlushInterval = 2 * time.Second
	}
	if c.MaxWriteFailures <= 0 {
		c.MaxWriteFailures = 32
	}
}

// Aggregator owns all counter state. It is the sole writer: events are
// applied one at a time from the Run loop, so per-key updates never race.
// Reads (Snapshot) take a lock-guarded copy and may trail the write path
// by at most the event being applied.
type Aggregator struct {
	store store.Store
	rate  *rate.Tracker
	hub   Broadcaster
	cfg   Config

	mu       sync.RWMutex
	counters map[string]counts.Counts

	// Owned by the Run goroutine, no locking.
	pending       map[string]counts.Counts
	hitBuf        []store.Hit
	writeFailures int

	trackingSince int64

	// fatal is called when the store is considered diverged beyond
	// recovery. Overridable in tests; defaults to log.Fatalf.
	fatal func(format string, v ...interface{})
}

// New creates an aggregator, loading any previously persisted counters so
// totals survive restarts.
func New(ctx context.Context, st store.Store, tracker *rate.Tracker, hub Broadcaster, cfg Config) (*Aggregator, error) {
	cfg.applyDefaults()

	counters, err := st.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted counters: %w", err)
	}
	since, err := st.TrackingSince(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking epoch: %w", err)
	}

	metricTrackedCollections.Set(float64(len(counters)))

	return &Aggregator{
		store:         st,
		rate:          tracker,
		hub:           hub,
		cfg:           cfg,
		counters:      counters,
		pending:       make(map[string]counts.Counts),
		hitBuf:        make([]store.Hit, 0, cfg.HitBatchSize),
		trackingSince: since,
		fatal:         log.Fatalf,
	}, nil
}

// Run consumes events until the channel closes or the context is
// cancelled, flushing deltas and buffered hits on their tickers. On exit
// it drains whatever is already buffered and flushes one final time, so a
// graceful shutdown loses nothing that reached the aggregator.
func (a *Aggregator) Run(ctx context.Context, events <-chan jetstream.Event) {
	deltaTicker := time.NewTicker(a.cfg.DeltaFlushInterval)
	defer deltaTicker.Stop()
	hitTicker := time.NewTicker(a.cfg.HitFlushInterval)
	defer hitTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				a.finalFlush()
				return
			}
			a.Apply(ev)
		case <-deltaTicker.C:
			a.flushDeltas()
		case <-hitTicker.C:
			a.flushHits()
		case <-ctx.Done():
			a.drain(events)
			a.finalFlush()
			return
		}
	}
}

// Apply folds one event into the per-collection counter and the wildcard
// counter. Both are updated together in memory and persisted in a single
// store transaction. Must only be called from one goroutine.
func (a *Aggregator) Apply(ev jetstream.Event) {
	a.mu.Lock()
	c := a.counters[ev.Collection]
	w := a.counters[counts.Wildcard]
	if ev.Deleted {
		c.DeletedCount++
		w.DeletedCount++
	} else {
		c.Count++
		w.Count++
	}
	c.LastSeen = ev.TimeUS
	w.LastSeen = ev.TimeUS
	a.counters[ev.Collection] = c
	a.counters[counts.Wildcard] = w
	metricTrackedCollections.Set(float64(len(a.counters)))
	a.mu.Unlock()

	a.rate.Observe()
	if ev.Deleted {
		metricEvents.WithLabelValues("delete").Inc()
	} else {
		metricEvents.WithLabelValues("create").Inc()
	}

	// Synchronous write-through. A failure leaves the in-memory state
	// authoritative; repeated failures mean the durable copy is diverging
	// and the process is better off restarting.
	err := a.store.ApplyBatch(context.Background(), []store.Update{
		{Collection: ev.Collection, Counts: c},
		{Collection: counts.Wildcard, Counts: w},
	})
	if err != nil {
		a.writeFailures++
		metricWriteFailures.Inc()
		log.Printf("Counter write failed (%d consecutive): %v", a.writeFailures, err)
		if a.writeFailures >= a.cfg.MaxWriteFailures {
			a.fatal("Storage diverged: %d consecutive counter write failures, last: %v", a.writeFailures, err)
		}
	} else {
		a.writeFailures = 0
	}

	a.pending[ev.Collection] = c
	a.pending[counts.Wildcard] = w

	a.hitBuf = append(a.hitBuf, store.Hit{Collection: ev.Collection, TimeUS: ev.TimeUS, Deleted: ev.Deleted})
	if len(a.hitBuf) >= a.cfg.HitBatchSize {
		a.flushHits()
	}
}

// Snapshot returns a point-in-time copy of every counter plus the current
// event rate. Safe to call concurrently with Apply.
func (a *Aggregator) Snapshot() counts.Batch {
	a.mu.RLock()
	events := make(map[string]counts.Counts, len(a.counters))
	for k, v := range a.counters {
		events[k] = v
	}
	a.mu.RUnlock()

	return counts.Batch{
		PerSecond: a.rate.PerSecond(),
		Events:    events,
	}
}

// TrackingSince returns the microsecond timestamp at which tracking began.
func (a *Aggregator) TrackingSince() int64 {
	return a.trackingSince
}

// flushDeltas pushes the changed counters since the previous flush.
func (a *Aggregator) flushDeltas() {
	if len(a.pending) == 0 {
		return
	}
	batch := counts.Batch{
		PerSecond: a.rate.PerSecond(),
		Events:    a.pending,
	}
	a.pending = make(map[string]counts.Counts)

	if err := a.hub.Broadcast(batch); err != nil {
		log.Printf("Failed to broadcast delta batch: %v", err)
	}
}

// flushHits writes the buffered raw events to the hit log. Best-effort:
// failures are logged and the batch dropped, the counters are already
// durable.
func (a *Aggregator) flushHits() {
	if len(a.hitBuf) == 0 {
		return
	}
	hits := a.hitBuf
	a.hitBuf = make([]store.Hit, 0, a.cfg.HitBatchSize)

	if err := a.store.AppendHits(context.Background(), hits); err != nil {
		metricHitsDropped.Add(float64(len(hits)))
		log.Printf("Dropping %d buffered hits, append failed: %v", len(hits), err)
	}
}

// drain applies whatever events are already queued without blocking.
func (a *Aggregator) drain(events <-chan jetstream.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.Apply(ev)
		default:
			return
		}
	}
}

func (a *Aggregator) finalFlush() {
	a.flushHits()
	a.flushDeltas()
}
