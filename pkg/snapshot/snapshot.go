// Package snapshot reads and writes persisted frames: a column list plus
// row tuples, one of which is the time field.
//
//	{"columns": ["time", "building.offset.kW"], "rows": [[1531161000, -1.2]]}
//
// A loaded snapshot is immutable and can stand in for live extraction when
// backfilling history.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
)

const (
	// TimeColumn is the column holding unix seconds or RFC3339 strings
	TimeColumn = "time"

	// FormatVersion is written into saved snapshots
	FormatVersion = "1.0"
)

// Metadata describes where a snapshot came from. All fields are optional
// on load.
type Metadata struct {
	Site     string    `json:"site,omitempty"`
	Start    int64     `json:"start,omitempty"`
	End      int64     `json:"end,omitempty"`
	SavedAt  time.Time `json:"saved_at,omitempty"`
	Version  string    `json:"version,omitempty"`
	RowCount int       `json:"row_count,omitempty"`
}

// File is the serialized form
type File struct {
	Metadata *Metadata       `json:"metadata,omitempty"`
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
}

// Snapshot is a loaded, time-ordered frame
type Snapshot struct {
	meta  Metadata
	frame *frame.Frame
}

// Load decodes a snapshot. Rows are sorted by time; duplicate timestamps
// are an error.
func Load(r io.Reader) (*Snapshot, error) {
	var file File
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	timeIdx := -1
	var columns []string
	for i, c := range file.Columns {
		if c == TimeColumn {
			timeIdx = i
			continue
		}
		columns = append(columns, c)
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("snapshot: no %q column in %v", TimeColumn, file.Columns)
	}

	type row struct {
		ts     int64
		values []frame.Value
	}
	rows := make([]row, 0, len(file.Rows))
	for n, raw := range file.Rows {
		if len(raw) != len(file.Columns) {
			return nil, fmt.Errorf("snapshot: row %d has %d values, want %d", n, len(raw), len(file.Columns))
		}
		ts, err := frame.ParseTime(raw[timeIdx])
		if err != nil {
			return nil, fmt.Errorf("snapshot: row %d: %w", n, err)
		}

		values := make([]frame.Value, 0, len(columns))
		for i, v := range raw {
			if i == timeIdx {
				continue
			}
			values = append(values, toValue(v))
		}
		rows = append(rows, row{ts: ts, values: values})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })

	f := frame.New(columns...)
	for _, r := range rows {
		if err := f.Append(r.ts, r.values...); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}

	s := &Snapshot{frame: f}
	if file.Metadata != nil {
		s.meta = *file.Metadata
	}
	return s, nil
}

// LoadFile loads a snapshot from disk
func LoadFile(path string) (*Snapshot, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}

// Metadata returns the snapshot's metadata
func (s *Snapshot) Metadata() Metadata {
	return s.meta
}

// Frame returns the full snapshot frame
func (s *Snapshot) Frame() *frame.Frame {
	return s.frame
}

// Last returns the terminal timestamp, or false when the snapshot is empty.
// Live migration of the same measurement resumes from here.
func (s *Snapshot) Last() (int64, bool) {
	row, ok := s.frame.Last()
	return row.Time, ok
}

// Select returns the named columns. Columns the snapshot does not carry
// come back all-missing, matching what the store returns for a field with
// no observations.
func (s *Snapshot) Select(columns ...string) (*frame.Frame, error) {
	var present []string
	for _, c := range columns {
		if s.frame.Has(c) {
			present = append(present, c)
		}
	}

	out, err := s.frame.Select(present...)
	if err != nil {
		return nil, err
	}
	for _, c := range columns {
		if out.Has(c) {
			continue
		}
		missing := make([]frame.Value, out.Len())
		if out, err = out.WithColumn(c, missing); err != nil {
			return nil, err
		}
	}
	return out.Select(columns...)
}

// Extract satisfies extract.Source: the group's columns over the window
func (s *Snapshot) Extract(ctx context.Context, w scope.Window, g schema.Group) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.Select(g.Columns()...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: group %s: %w", g.Name, err)
	}
	return f.Between(w.Start, w.End), nil
}

func toValue(v interface{}) frame.Value {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return frame.String(t.String())
		}
		return frame.Number(f)
	case string:
		return frame.String(t)
	case bool:
		if t {
			return frame.Number(1)
		}
		return frame.Number(0)
	default:
		return frame.Missing()
	}
}
