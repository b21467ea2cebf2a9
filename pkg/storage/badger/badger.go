package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/lineproto"
	"github.com/nicktill/telemigrate/pkg/storage"
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	logger *zap.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64

	Logger *zap.Logger
}

// storedPoint is the value written under each key
type storedPoint struct {
	Database        string                 `json:"db"`
	RetentionPolicy string                 `json:"rp,omitempty"`
	Measurement     string                 `json:"m"`
	Tags            map[string]string      `json:"tags,omitempty"`
	Fields          map[string]interface{} `json:"fields"`
	Time            int64                  `json:"t"`
}

// Options returns the badger options for cfg. Shared with the checkpoint
// store so both state databases run under the same memory bounds.
func Options(cfg Config) badger.Options {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// Default here: 16 MB memtable.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	return opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	db, err := badger.Open(Options(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{db: db, logger: logger}, nil
}

// WritePoints stores a batch in one transaction
func (s *Storage) WritePoints(ctx context.Context, batch lineproto.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			for i, p := range batch.Points {
				if i%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				value, err := json.Marshal(storedPoint{
					Database:        batch.Database,
					RetentionPolicy: batch.RetentionPolicy,
					Measurement:     p.Measurement,
					Tags:            p.Tags,
					Fields:          p.Fields,
					Time:            p.Time,
				})
				if err != nil {
					return fmt.Errorf("failed to encode point: %w", err)
				}

				if err := txn.Set(makeKey(batch.Database, p), value); err != nil {
					return fmt.Errorf("failed to write point: %w", err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves points matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]lineproto.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		points []lineproto.Point
		err    error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				// Cheap time filter on the key before decoding the value
				ts := parseKeyTime(it.Item().Key())
				if ts < req.Start || (req.End != 0 && ts >= req.End) {
					continue
				}

				err := it.Item().Value(func(val []byte) error {
					sp, err := decodePoint(val)
					if err != nil {
						return err
					}
					p := sp.point()
					if req.Matches(sp.Database, p) {
						res.points = append(res.points, p)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		points := res.points
		sort.Slice(points, func(i, j int) bool {
			if points[i].Time != points[j].Time {
				return points[i].Time < points[j].Time
			}
			return points[i].SeriesKey() < points[j].SeriesKey()
		})
		if req.Limit > 0 && len(points) > req.Limit {
			points = points[:req.Limit]
		}
		return points, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Delete removes points matching the deletion criteria
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			var keysToDelete [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				if parseKeyTime(item.Key()) >= opts.Before {
					continue
				}

				var sp storedPoint
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &sp)
				}); err != nil {
					return fmt.Errorf("failed to decode point: %w", err)
				}
				if opts.Matches(sp.Database, sp.point()) {
					keysToDelete = append(keysToDelete, item.KeyCopy(nil))
				}
			}

			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			s.logger.Debug("deleted points",
				zap.String("database", opts.Database),
				zap.Int("count", len(keysToDelete)))
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns error only if GC failed, nil if GC not needed or succeeded.
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		series := make(map[uint64]bool)
		first := true
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			stats.TotalPoints++
			series[binary.BigEndian.Uint64(key[0:8])] = true

			ts := parseKeyTime(key)
			if first || ts < stats.Oldest {
				stats.Oldest = ts
			}
			if first || ts > stats.Newest {
				stats.Newest = ts
			}
			first = false
		}
		stats.TotalSeries = uint64(len(series))
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// makeKey creates a sortable key: series_hash + timestamp
// Format: [series_hash (8 bytes)][timestamp (8 bytes)]
func makeKey(database string, p lineproto.Point) []byte {
	hash := xxhash.Sum64String(database + "/" + p.SeriesKey())

	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], hash)
	binary.BigEndian.PutUint64(key[8:16], uint64(p.Time))
	return key
}

func parseKeyTime(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[8:16]))
}

func decodePoint(data []byte) (storedPoint, error) {
	var sp storedPoint
	err := json.Unmarshal(data, &sp)
	return sp, err
}

func (sp storedPoint) point() lineproto.Point {
	return lineproto.Point{
		Measurement: sp.Measurement,
		Tags:        sp.Tags,
		Fields:      sp.Fields,
		Time:        sp.Time,
	}
}
