package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/nsidwatch/pkg/sdk/counts"
	"github.com/nicktill/nsidwatch/pkg/store"
)

// Storage stores counters in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu            sync.RWMutex
	counters      map[string]counts.Counts
	hits          []store.Hit
	trackingSince int64
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		counters:      make(map[string]counts.Counts),
		trackingSince: time.Now().UnixMicro(),
	}
}

// ApplyBatch stores counter updates in memory
func (s *Storage) ApplyBatch(ctx context.Context, updates []store.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		s.counters[u.Collection] = u.Counts
	}
	return nil
}

// Counts returns a copy of every stored counter
func (s *Storage) Counts(ctx context.Context) (map[string]counts.Counts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]counts.Counts, len(s.counters))
	for k, v := range s.counters {
		result[k] = v
	}
	return result, nil
}

// AppendHits appends raw events to the in-memory hit log
func (s *Storage) AppendHits(ctx context.Context, hits []store.Hit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits = append(s.hits, hits...)
	return nil
}

// Hits returns a copy of the recorded hit log (test helper).
func (s *Storage) Hits() []store.Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]store.Hit, len(s.hits))
	copy(result, s.hits)
	return result
}

// TrackingSince returns the creation time of this store
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	return &store.Stats{
		Collections: uint64(len(s.counters)),
	}, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}
