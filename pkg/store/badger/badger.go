package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
	"github.com/nicktill/nsidwatch/pkg/store"
)

// Key prefixes. Counter keys stay human-readable so the counter space can
// be scanned in collection order; hit keys use a fixed-width hash prefix so
// each collection's hits sort contiguously by timestamp.
const (
	countPrefix = "c/"
	hitPrefix   = "h/"
	sinceKey    = "m/tracking_since"
)

// Storage implements store.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB

	trackingSince int64

	// Disambiguates hits that share a collection and microsecond timestamp.
	hitSeq atomic.Uint32
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults are sized for servers (64 MB memtable, multi-GB
	// value logs). Counter records are tiny, so cap everything well below
	// that. Below 16 MB the memtable flushes too often to be useful.
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	} else {
		memTableSize = 16 * 1024 * 1024
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initTrackingSince(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initTrackingSince loads the tracking epoch, writing it on first run.
func (s *Storage) initTrackingSince() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sinceKey))
		switch {
		case err == badger.ErrKeyNotFound:
			s.trackingSince = time.Now().UnixMicro()
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(s.trackingSince))
			if err := txn.Set([]byte(sinceKey), buf[:]); err != nil {
				return fmt.Errorf("failed to write tracking epoch: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to read tracking epoch: %w", err)
		default:
			return item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt tracking epoch: %d bytes", len(val))
				}
				s.trackingSince = int64(binary.BigEndian.Uint64(val))
				return nil
			})
		}
	})
}

// ApplyBatch persists all updates in a single transaction so the
// per-collection counter and the wildcard counter can never diverge
// on disk for the same event.
func (s *Storage) ApplyBatch(ctx context.Context, updates []store.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, u := range updates {
			value, err := json.Marshal(u.Counts)
			if err != nil {
				return fmt.Errorf("failed to encode counts: %w", err)
			}
			if err := txn.Set(countKey(u.Collection), value); err != nil {
				return fmt.Errorf("failed to write counts for %s: %w", u.Collection, err)
			}
		}
		return nil
	})
}

// Counts returns every persisted counter keyed by collection.
func (s *Storage) Counts(ctx context.Context) (map[string]counts.Counts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]counts.Counts)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(countPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			collection := string(item.Key()[len(countPrefix):])
			err := item.Value(func(val []byte) error {
				var c counts.Counts
				if err := json.Unmarshal(val, &c); err != nil {
					return fmt.Errorf("failed to decode counts for %s: %w", collection, err)
				}
				result[collection] = c
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppendHits writes a batch of raw events to the hit log.
func (s *Storage) AppendHits(ctx context.Context, hits []store.Hit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(hits) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, h := range hits {
		var val [1]byte
		if h.Deleted {
			val[0] = 1
		}
		if err := wb.Set(s.hitKey(h), val[:]); err != nil {
			return fmt.Errorf("failed to append hit: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush hit batch: %w", err)
	}
	return nil
}

// TrackingSince returns the microsecond timestamp of the first run.
func (s *Storage) TrackingSince(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.trackingSince, nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var collections uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(countPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			collections++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsm, vlog := s.db.Size()
	return &store.Stats{
		Collections: collections,
		SizeBytes:   lsm + vlog,
	}, nil
}

// RunGC runs BadgerDB value log garbage collection.
// Returns badger.ErrNoRewrite if no garbage collection was needed.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close cleanly shuts down the storage
func (s *Storage) Close() error {
	return s.db.Close()
}

func countKey(collection string) []byte {
	return append([]byte(countPrefix), collection...)
}

// hitKey is hitPrefix + xxhash(collection) + big-endian time_us + sequence.
// The hash keeps keys fixed-width; the sequence keeps same-microsecond hits
// from overwriting each other.
func (s *Storage) hitKey(h store.Hit) []byte {
	key := make([]byte, len(hitPrefix)+8+8+4)
	copy(key, hitPrefix)
	binary.BigEndian.PutUint64(key[len(hitPrefix):], xxhash.Sum64String(h.Collection))
	binary.BigEndian.PutUint64(key[len(hitPrefix)+8:], uint64(h.TimeUS))
	binary.BigEndian.PutUint32(key[len(hitPrefix)+16:], s.hitSeq.Add(1))
	return key
}
