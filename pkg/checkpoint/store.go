// Package checkpoint persists the last successfully migrated row per site
// and destination measurement, plus a history of runs.
//
// A rerun with resume enabled starts where the previous run stopped instead
// of relying on the operator to pass the terminal timestamp forward by hand.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	storagebadger "github.com/nicktill/telemigrate/pkg/storage/badger"
)

var (
	checkpointPrefix = []byte("cp/")
	runPrefix        = []byte("run/")
)

// Checkpoint is the terminal row written for one site and measurement
type Checkpoint struct {
	Site        string             `json:"site"`
	Measurement string             `json:"measurement"`
	Time        int64              `json:"time"`
	Values      map[string]float64 `json:"values,omitempty"`
	RunID       string             `json:"run_id,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Value returns one of the stored column values
func (c Checkpoint) Value(column string) (float64, bool) {
	v, ok := c.Values[column]
	return v, ok
}

// Status of a recorded run
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// JobRecord summarizes one job inside a run
type JobRecord struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Start    int64         `json:"start"`
	End      int64         `json:"end"`
	Written  int64         `json:"written"`
	Dropped  int           `json:"dropped"`
	Terminal int64         `json:"terminal,omitempty"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Run is one invocation of the migrator
type Run struct {
	ID         string      `json:"id"`
	Site       string      `json:"site"`
	Schema     string      `json:"schema"`
	Start      int64       `json:"start"`
	End        int64       `json:"end"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	Status     Status      `json:"status"`
	Jobs       []JobRecord `json:"jobs,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Written totals the points written across jobs
func (r Run) Written() int64 {
	var n int64
	for _, j := range r.Jobs {
		n += j.Written
	}
	return n
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// Config configures the store
type Config struct {
	Path        string
	InMemory    bool
	MaxMemoryMB int64
	Logger      *zap.Logger
}

// Store keeps checkpoints and runs in BadgerDB
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens or creates a checkpoint store
func Open(cfg Config) (*Store, error) {
	opts := storagebadger.Options(storagebadger.Config{
		Path:        cfg.Path,
		InMemory:    cfg.InMemory,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space. Returns nil when there was nothing to
// rewrite.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Last returns the checkpoint for a site and measurement, or false when
// nothing has been migrated yet
func (s *Store) Last(site, measurement string) (Checkpoint, bool, error) {
	var cp Checkpoint
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(site, measurement))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to read checkpoint %s/%s: %w", site, measurement, err)
	}
	return cp, found, nil
}

// Advance stores cp unless the current checkpoint is newer. A checkpoint at
// the same time replaces the stored one: a rerun of the same window has just
// rewritten that row. It reports whether the checkpoint was written.
func (s *Store) Advance(cp Checkpoint) (bool, error) {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	advanced := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := checkpointKey(cp.Site, cp.Measurement)

		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var current Checkpoint
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
			if current.Time > cp.Time {
				return nil
			}
		}

		value, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		advanced = true
		return txn.Set(key, value)
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance checkpoint %s/%s: %w", cp.Site, cp.Measurement, err)
	}

	if advanced {
		s.logger.Debug("checkpoint advanced",
			zap.String("site", cp.Site),
			zap.String("measurement", cp.Measurement),
			zap.Int64("time", cp.Time))
	}
	return advanced, nil
}

// Reset removes the checkpoint so the next run starts from its configured window
func (s *Store) Reset(site, measurement string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(site, measurement))
	})
}

// RecordRun inserts or replaces a run
func (s *Store) RecordRun(run Run) error {
	if run.ID == "" {
		return errors.New("checkpoint: run id is required")
	}
	value, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run.Site, run.StartedAt, run.ID), value)
	})
}

// Runs returns up to limit runs for a site, newest first. limit <= 0
// returns all of them.
func (s *Store) Runs(site string, limit int) ([]Run, error) {
	prefix := sitePrefix(site)

	var runs []Run
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var run Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			runs = append(runs, run)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s: %w", site, err)
	}
	return runs, nil
}

// checkpointKey: "cp/" + xxhash(site, measurement)
func checkpointKey(site, measurement string) []byte {
	key := make([]byte, len(checkpointPrefix)+8)
	copy(key, checkpointPrefix)
	binary.BigEndian.PutUint64(key[len(checkpointPrefix):], xxhash.Sum64String(site+"\x00"+measurement))
	return key
}

func sitePrefix(site string) []byte {
	key := make([]byte, len(runPrefix)+8)
	copy(key, runPrefix)
	binary.BigEndian.PutUint64(key[len(runPrefix):], xxhash.Sum64String(site))
	return key
}

// runKey: "run/" + xxhash(site) + started_at nanos + id, so a site's runs
// sort chronologically
func runKey(site string, startedAt time.Time, id string) []byte {
	prefix := sitePrefix(site)
	key := make([]byte, len(prefix)+8, len(prefix)+8+len(id))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(startedAt.UnixNano()))
	return append(key, id...)
}
