package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/nicktill/telemigrate/pkg/lineproto"
	"github.com/nicktill/telemigrate/pkg/storage"
)

type entry struct {
	database string
	point    lineproto.Point
}

// Storage stores points in memory. Data is lost on restart.
// Useful for testing.
type Storage struct {
	points map[string]entry
	writes int
	mu     sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		points: make(map[string]entry),
	}
}

// WritePoints stores a batch in memory
func (s *Storage) WritePoints(ctx context.Context, batch lineproto.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range batch.Points {
		s.points[pointKey(batch.Database, p)] = entry{database: batch.Database, point: copyPoint(p)}
	}
	s.writes++
	return nil
}

// Writes returns how many batches have been written
func (s *Storage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Query retrieves points matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]lineproto.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []lineproto.Point
	for _, e := range s.points {
		if req.Matches(e.database, e.point) {
			results = append(results, copyPoint(e.point))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Time != results[j].Time {
			return results[i].Time < results[j].Time
		}
		return results[i].SeriesKey() < results[j].SeriesKey()
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// Delete removes points older than the cutoff
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.points {
		if opts.Matches(e.database, e.point) {
			delete(s.points, k)
		}
	}
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalPoints: uint64(len(s.points)),
	}

	series := make(map[string]bool)
	first := true
	for _, e := range s.points {
		series[e.database+"/"+e.point.SeriesKey()] = true
		if first || e.point.Time < stats.Oldest {
			stats.Oldest = e.point.Time
		}
		if first || e.point.Time > stats.Newest {
			stats.Newest = e.point.Time
		}
		first = false
	}
	stats.TotalSeries = uint64(len(series))

	// Rough size estimate (each point ~100 bytes)
	stats.SizeBytes = uint64(len(s.points)) * 100

	return stats, nil
}

func pointKey(database string, p lineproto.Point) string {
	return database + "/" + p.SeriesKey() + "@" + strconv.FormatInt(p.Time, 10)
}

func copyPoint(p lineproto.Point) lineproto.Point {
	out := lineproto.Point{Measurement: p.Measurement, Time: p.Time}
	if p.Tags != nil {
		out.Tags = make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			out.Tags[k] = v
		}
	}
	out.Fields = make(map[string]interface{}, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}
