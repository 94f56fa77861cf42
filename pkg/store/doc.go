/*
Package store provides the pluggable storage abstraction for nsidwatch
counters.

# Storage Interface

nsidwatch uses an interface-based design to support multiple backends:
  - memory: In-memory storage for testing and ephemeral workloads
  - badger: BadgerDB (LSM tree) for persistent storage

The store is an ordered durable map with two key spaces:

  - counters: collection NSID -> {count, deleted_count, last_seen},
    written synchronously for every applied event so the durable state
    never trails the live state by more than one event.
  - hit log: append-only raw event records, written in batches. These
    exist for audit/replay only; losing the tail of the log on a crash
    is accepted and documented.

A third, single-value key records the tracking epoch: the wall-clock
microsecond timestamp at which the store was first created. It is set
exactly once and survives restarts.

# Write Path

The aggregator is the only writer. It computes the new counter values in
memory and hands them to ApplyBatch, which must persist the whole batch
atomically - this is what keeps the per-collection key and the wildcard
key consistent with each other on disk.

# Usage Example

	st, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer st.Close()

	err = st.ApplyBatch(ctx, []store.Update{
	    {Collection: "app.bsky.feed.post", Counts: counts.Counts{Count: 1, LastSeen: now}},
	    {Collection: counts.Wildcard, Counts: counts.Counts{Count: 1, LastSeen: now}},
	})

# See Also

  - memory.New() for in-memory storage
  - badger.New() for persistent BadgerDB storage
*/
package store
