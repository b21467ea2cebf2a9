/*
Package storage provides the local point sinks the migrator can write to
instead of the remote store.

A sink accepts the same line protocol batches the remote store does, so the
write-back layer is unaware of which one it is talking to:

	type Storage interface {
	    WritePoints(ctx context.Context, batch lineproto.Batch) error
	    Query(ctx context.Context, req QueryRequest) ([]lineproto.Point, error)
	    Delete(ctx context.Context, opts DeleteOptions) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Backends:

  - memory: map-backed, for tests
  - badger: BadgerDB (LSM tree + Snappy compression) for offline dry runs

# Keys

Both backends identify a point by database, series (measurement plus sorted
tags) and timestamp. Writing the same window twice overwrites rather than
duplicates, which makes reruns against a local sink idempotent.

BadgerDB keys are 16 bytes:

	[xxhash(database + series) 8 bytes][timestamp 8 bytes]

so one series' points sort together in time order. Values are the JSON
encoded point.
*/
package storage
