package frame

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOutOfOrder is returned when a row would break timestamp ordering
	ErrOutOfOrder = errors.New("frame: timestamps must be strictly increasing")

	// ErrUnknownColumn is returned when a column lookup fails
	ErrUnknownColumn = errors.New("frame: unknown column")
)

// Row is one timestamped observation across every column of a frame
type Row struct {
	Time   int64 // seconds since epoch
	Values []Value
}

// Frame is an ordered, densely populated table keyed by timestamp.
//
// Frames are built once and then treated as immutable: every transform
// (Select, DropIncomplete, WithColumn, Join) returns a new Frame.
type Frame struct {
	columns []string
	index   map[string]int
	rows    []Row
}

// New creates an empty frame with the given column set
func New(columns ...string) *Frame {
	cols := make([]string, len(columns))
	copy(cols, columns)

	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c] = i
	}

	return &Frame{
		columns: cols,
		index:   index,
	}
}

// Append adds a row. The timestamp must be greater than the last row's.
// Frames under construction are owned by the builder; callers should not
// append to a frame they received from another stage.
func (f *Frame) Append(ts int64, values ...Value) error {
	if len(values) != len(f.columns) {
		return fmt.Errorf("frame: row has %d values, want %d", len(values), len(f.columns))
	}
	if n := len(f.rows); n > 0 && ts <= f.rows[n-1].Time {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, ts, f.rows[n-1].Time)
	}

	row := Row{Time: ts, Values: make([]Value, len(values))}
	copy(row.Values, values)
	f.rows = append(f.rows, row)
	return nil
}

// Columns returns a copy of the column names in order
func (f *Frame) Columns() []string {
	cols := make([]string, len(f.columns))
	copy(cols, f.columns)
	return cols
}

// Has reports whether the frame has the named column
func (f *Frame) Has(column string) bool {
	_, ok := f.index[column]
	return ok
}

// Len returns the number of rows
func (f *Frame) Len() int {
	return len(f.rows)
}

// Row returns a copy of the i-th row
func (f *Frame) Row(i int) Row {
	r := f.rows[i]
	values := make([]Value, len(r.Values))
	copy(values, r.Values)
	return Row{Time: r.Time, Values: values}
}

// Times returns the row timestamps in order
func (f *Frame) Times() []int64 {
	times := make([]int64, len(f.rows))
	for i, r := range f.rows {
		times[i] = r.Time
	}
	return times
}

// Last returns the final row, or false for an empty frame
func (f *Frame) Last() (Row, bool) {
	if len(f.rows) == 0 {
		return Row{}, false
	}
	return f.Row(len(f.rows) - 1), true
}

// Column returns the values of one column in row order
func (f *Frame) Column(name string) ([]Value, error) {
	idx, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}

	values := make([]Value, len(f.rows))
	for i, r := range f.rows {
		values[i] = r.Values[idx]
	}
	return values, nil
}

// Value returns a single cell
func (f *Frame) Value(i int, column string) (Value, error) {
	idx, ok := f.index[column]
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	return f.rows[i].Values[idx], nil
}

// Select returns a new frame containing only the named columns, in the given order
func (f *Frame) Select(columns ...string) (*Frame, error) {
	idxs := make([]int, len(columns))
	for i, c := range columns {
		idx, ok := f.index[c]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, c)
		}
		idxs[i] = idx
	}

	out := New(columns...)
	out.rows = make([]Row, len(f.rows))
	for i, r := range f.rows {
		values := make([]Value, len(idxs))
		for j, idx := range idxs {
			values[j] = r.Values[idx]
		}
		out.rows[i] = Row{Time: r.Time, Values: values}
	}
	return out, nil
}

// DropIncomplete returns a new frame without rows that have any missing value
func (f *Frame) DropIncomplete() *Frame {
	out := New(f.columns...)
	for _, r := range f.rows {
		if rowComplete(r) {
			out.rows = append(out.rows, copyRow(r))
		}
	}
	return out
}

// Between returns the rows whose timestamp falls in [start, end)
func (f *Frame) Between(start, end int64) *Frame {
	lo := sort.Search(len(f.rows), func(i int) bool { return f.rows[i].Time >= start })
	hi := sort.Search(len(f.rows), func(i int) bool { return f.rows[i].Time >= end })

	out := New(f.columns...)
	for _, r := range f.rows[lo:hi] {
		out.rows = append(out.rows, copyRow(r))
	}
	return out
}

// WithColumn returns a new frame with the named column replaced, or
// appended when it does not exist yet. len(values) must equal Len().
func (f *Frame) WithColumn(name string, values []Value) (*Frame, error) {
	if len(values) != len(f.rows) {
		return nil, fmt.Errorf("frame: column %q has %d values, want %d", name, len(values), len(f.rows))
	}

	cols := f.Columns()
	idx, exists := f.index[name]
	if !exists {
		cols = append(cols, name)
		idx = len(cols) - 1
	}

	out := New(cols...)
	out.rows = make([]Row, len(f.rows))
	for i, r := range f.rows {
		row := Row{Time: r.Time, Values: make([]Value, len(cols))}
		copy(row.Values, r.Values)
		row.Values[idx] = values[i]
		out.rows[i] = row
	}
	return out, nil
}

// Join outer-joins frames on timestamp. Columns keep their per-frame order;
// a column name present in more than one frame is an error. Cells with no
// observation in a frame become Missing.
func Join(frames ...*Frame) (*Frame, error) {
	var cols []string
	seen := make(map[string]bool)
	for _, fr := range frames {
		for _, c := range fr.columns {
			if seen[c] {
				return nil, fmt.Errorf("frame: duplicate column %q in join", c)
			}
			seen[c] = true
			cols = append(cols, c)
		}
	}

	timeSet := make(map[int64]bool)
	for _, fr := range frames {
		for _, r := range fr.rows {
			timeSet[r.Time] = true
		}
	}
	times := make([]int64, 0, len(timeSet))
	for ts := range timeSet {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	out := New(cols...)
	out.rows = make([]Row, len(times))
	pos := make(map[int64]int, len(times))
	for i, ts := range times {
		out.rows[i] = Row{Time: ts, Values: make([]Value, len(cols))}
		pos[ts] = i
	}

	offset := 0
	for _, fr := range frames {
		for _, r := range fr.rows {
			copy(out.rows[pos[r.Time]].Values[offset:], r.Values)
		}
		offset += len(fr.columns)
	}
	return out, nil
}

func rowComplete(r Row) bool {
	for _, v := range r.Values {
		if v.IsMissing() {
			return false
		}
	}
	return true
}

func copyRow(r Row) Row {
	values := make([]Value, len(r.Values))
	copy(values, r.Values)
	return Row{Time: r.Time, Values: values}
}
