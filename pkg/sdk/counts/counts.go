// Package counts defines the wire types shared between the nsidwatch
// server and its streaming consumers.
package counts

// Wildcard is the reserved key that aggregates every collection.
const Wildcard = "*"

// Counts holds the running totals for a single collection NSID.
// Both counters only ever grow; LastSeen carries the upstream-assigned
// microsecond timestamp of the most recent event for the key.
type Counts struct {
	Count        uint64 `json:"count"`
	DeletedCount uint64 `json:"deleted_count"`
	LastSeen     int64  `json:"last_seen"`
}

// Total returns created + deleted, the number of events applied to the key.
func (c Counts) Total() uint64 {
	return c.Count + c.DeletedCount
}

// Batch is the payload pushed to live subscribers and returned by the
// snapshot endpoint. For a delta push Events contains only the keys that
// changed since the previous push; for a snapshot it contains everything.
type Batch struct {
	PerSecond float64           `json:"per_second"`
	Events    map[string]Counts `json:"events"`
}
