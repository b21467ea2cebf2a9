// Package resample re-buckets irregular frames onto a fixed time grid.
package resample

import (
	"fmt"

	"github.com/nicktill/telemigrate/pkg/frame"
)

// Stats describes what a resample pass kept and dropped
type Stats struct {
	Rows    int // input rows
	Buckets int // non-empty buckets seen
	Dropped int // buckets missing a required field
}

// Resample aggregates f onto the grid, one row per bucket, each field the
// mean of the values observed in that bucket. A bucket is emitted only if
// every required field has at least one observation; with no required
// fields given, every column is required. Output values are all numbers.
func Resample(f *frame.Frame, g Grid, required ...string) (*frame.Frame, error) {
	out, _, err := ResampleStats(f, g, required...)
	return out, err
}

// ResampleStats is Resample that also reports bucket counts
func ResampleStats(f *frame.Frame, g Grid, required ...string) (*frame.Frame, Stats, error) {
	if g.Width <= 0 {
		return nil, Stats{}, fmt.Errorf("resample: grid width must be positive, got %d", g.Width)
	}

	columns := f.Columns()
	if len(required) == 0 {
		required = columns
	}
	requiredIdx := make([]int, len(required))
	for i, name := range required {
		idx := indexOf(columns, name)
		if idx < 0 {
			return nil, Stats{}, fmt.Errorf("resample: %w: %q", frame.ErrUnknownColumn, name)
		}
		requiredIdx[i] = idx
	}

	// Rows are time ordered, so buckets arrive in order and each one is
	// complete once the next starts.
	var (
		starts  []int64
		buckets [][]Aggregate
	)
	for i := 0; i < f.Len(); i++ {
		row := f.Row(i)
		start := g.BucketStart(row.Time)
		if n := len(starts); n == 0 || starts[n-1] != start {
			starts = append(starts, start)
			buckets = append(buckets, make([]Aggregate, len(columns)))
		}
		aggs := buckets[len(buckets)-1]

		for j, v := range row.Values {
			if v.IsMissing() {
				continue
			}
			x, ok := v.Float()
			if !ok {
				return nil, Stats{}, fmt.Errorf("%w: column %q at %d: %q", ErrNonNumeric, columns[j], row.Time, v.Text())
			}
			aggs[j].Add(x)
		}
	}

	stats := Stats{Rows: f.Len(), Buckets: len(starts)}
	out := frame.New(columns...)
	for b, start := range starts {
		aggs := buckets[b]
		if !complete(aggs, requiredIdx) {
			stats.Dropped++
			continue
		}

		values := make([]frame.Value, len(columns))
		for j := range aggs {
			if aggs[j].Observed() {
				values[j] = frame.Number(aggs[j].Average())
			} else {
				values[j] = frame.Missing()
			}
		}
		if err := out.Append(start, values...); err != nil {
			return nil, Stats{}, fmt.Errorf("resample: %w", err)
		}
	}
	return out, stats, nil
}

// Reindex places f's rows onto every bucket in [start, end). Buckets with
// no row become all-missing; rows off the grid or outside the range are
// discarded. f is expected to be resampled already.
func Reindex(f *frame.Frame, g Grid, start, end int64) (*frame.Frame, error) {
	columns := f.Columns()
	byTime := make(map[int64]frame.Row, f.Len())
	for i := 0; i < f.Len(); i++ {
		row := f.Row(i)
		byTime[row.Time] = row
	}

	out := frame.New(columns...)
	for _, ts := range g.Buckets(start, end) {
		row, ok := byTime[ts]
		if !ok {
			row = frame.Row{Time: ts, Values: missingRow(len(columns))}
		}
		if err := out.Append(ts, row.Values...); err != nil {
			return nil, fmt.Errorf("resample: %w", err)
		}
	}
	return out, nil
}

// Backfill fills each missing cell with the next observed value in the same
// column. Trailing gaps with nothing after them stay missing.
func Backfill(f *frame.Frame) (*frame.Frame, error) {
	columns := f.Columns()
	n := f.Len()

	rows := make([]frame.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = f.Row(i)
	}

	for j := range columns {
		var next frame.Value
		have := false
		for i := n - 1; i >= 0; i-- {
			v := rows[i].Values[j]
			if !v.IsMissing() {
				next, have = v, true
				continue
			}
			if have {
				rows[i].Values[j] = next
			}
		}
	}

	out := frame.New(columns...)
	for _, r := range rows {
		if err := out.Append(r.Time, r.Values...); err != nil {
			return nil, fmt.Errorf("resample: %w", err)
		}
	}
	return out, nil
}

func complete(aggs []Aggregate, required []int) bool {
	for _, idx := range required {
		if !aggs[idx].Observed() {
			return false
		}
	}
	return true
}

func missingRow(n int) []frame.Value {
	values := make([]frame.Value, n)
	for i := range values {
		values[i] = frame.Missing()
	}
	return values
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
