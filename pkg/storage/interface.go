package storage

import (
	"context"

	"github.com/nicktill/telemigrate/pkg/lineproto"
)

// Storage is a local point sink. Implementations: memory (testing),
// badger (offline dry runs).
type Storage interface {
	// WritePoints stores a batch. A point with the same database, series
	// and timestamp as an existing one replaces it.
	WritePoints(ctx context.Context, batch lineproto.Batch) error

	// Query retrieves points ordered by time, then series
	Query(ctx context.Context, req QueryRequest) ([]lineproto.Point, error)

	// Delete removes points older than the cutoff
	Delete(ctx context.Context, opts DeleteOptions) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies what points to retrieve
type QueryRequest struct {
	// Database is required
	Database string

	// Half-open time range in unix seconds; End == 0 means unbounded
	Start int64
	End   int64

	// Filter by measurement (optional)
	Measurements []string

	// Filter by tags (optional)
	Tags map[string]string

	// Limit number of results (0 = no limit)
	Limit int
}

// DeleteOptions specifies what to delete
type DeleteOptions struct {
	Database string

	// Measurement restricts deletion to one measurement (optional)
	Measurement string

	// Before removes points with Time < Before
	Before int64
}

// Stats provides storage health and usage info
type Stats struct {
	TotalPoints uint64 `json:"total_points"`
	TotalSeries uint64 `json:"total_series"`
	SizeBytes   uint64 `json:"size_bytes"`
	Oldest      int64  `json:"oldest"`
	Newest      int64  `json:"newest"`
}

// Matches reports whether a stored point satisfies the request
func (req QueryRequest) Matches(database string, p lineproto.Point) bool {
	if database != req.Database {
		return false
	}
	if p.Time < req.Start || (req.End != 0 && p.Time >= req.End) {
		return false
	}

	if len(req.Measurements) > 0 {
		found := false
		for _, m := range req.Measurements {
			if p.Measurement == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for k, v := range req.Tags {
		if p.Tags == nil || p.Tags[k] != v {
			return false
		}
	}
	return true
}

// Matches reports whether a stored point falls under the deletion
func (opts DeleteOptions) Matches(database string, p lineproto.Point) bool {
	if database != opts.Database || p.Time >= opts.Before {
		return false
	}
	return opts.Measurement == "" || p.Measurement == opts.Measurement
}
