package store

import (
	"context"

	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
)

// Update carries the new counter value for one collection key. Values are
// computed by the aggregator (the sole writer), so the store only has to
// persist them; it never derives counts itself.
type Update struct {
	Collection string
	Counts     counts.Counts
}

// Hit is one raw firehose event, kept in an append-only log for audit and
// replay. Hits are best-effort: the aggregator batches them, so a crash can
// lose a bounded window of hits without affecting the counters.
type Hit struct {
	Collection string
	TimeUS     int64
	Deleted    bool
}

// Store defines the interface for counter storage backends.
// Implementations: memory (testing), badger (production)
type Store interface {
	// ApplyBatch persists a set of counter updates as one atomic unit.
	// The per-collection key and the wildcard key for the same event are
	// always passed in the same batch.
	ApplyBatch(ctx context.Context, updates []Update) error

	// Counts returns every persisted counter keyed by collection.
	Counts(ctx context.Context) (map[string]counts.Counts, error)

	// AppendHits appends raw events to the hit log.
	AppendHits(ctx context.Context, hits []Hit) error

	// TrackingSince returns the microsecond timestamp at which this store
	// first started tracking, set once when the store is created.
	TrackingSince(ctx context.Context) (int64, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Stats provides storage health and usage info
type Stats struct {
	// Number of tracked collection keys (wildcard included)
	Collections uint64

	// Storage size in bytes (0 for non-durable backends)
	SizeBytes int64
}
