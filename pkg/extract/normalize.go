package extract

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/influx"
)

// TimeColumn is the column the store reports timestamps in
const TimeColumn = "time"

// Normalize reshapes a raw query result into a frame. It does no
// aggregation or filling.
//
// A response with no results or no series yields an empty frame carrying
// the expected columns. Otherwise the first series is used: its time
// column becomes the row key and every other column becomes a field, in
// the order the store reported them.
func Normalize(resp *influx.Response, expected []string) (*frame.Frame, error) {
	if resp == nil {
		return frame.New(expected...), nil
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 || len(resp.Results[0].Series) == 0 {
		return frame.New(expected...), nil
	}

	series := resp.Results[0].Series[0]

	timeIdx := -1
	var columns []string
	var fieldIdx []int
	for i, c := range series.Columns {
		if c == TimeColumn {
			timeIdx = i
			continue
		}
		columns = append(columns, c)
		fieldIdx = append(fieldIdx, i)
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("extract: series %q has no %s column", series.Name, TimeColumn)
	}

	type rawRow struct {
		ts     int64
		values []frame.Value
	}
	rows := make([]rawRow, 0, len(series.Values))
	for n, raw := range series.Values {
		if len(raw) != len(series.Columns) {
			return nil, fmt.Errorf("extract: row %d has %d values, want %d", n, len(raw), len(series.Columns))
		}

		ts, err := frame.ParseTime(raw[timeIdx])
		if err != nil {
			return nil, fmt.Errorf("extract: row %d: %w", n, err)
		}

		values := make([]frame.Value, len(fieldIdx))
		for j, idx := range fieldIdx {
			v, err := toValue(raw[idx])
			if err != nil {
				return nil, fmt.Errorf("extract: row %d column %q: %w", n, series.Columns[idx], err)
			}
			values[j] = v
		}
		rows = append(rows, rawRow{ts: ts, values: values})
	}

	// The store returns rows in time order; sorting keeps the frame
	// invariant when it does not.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })

	out := frame.New(columns...)
	for _, r := range rows {
		if err := out.Append(r.ts, r.values...); err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
	}
	return out, nil
}

func toValue(v interface{}) (frame.Value, error) {
	switch t := v.(type) {
	case nil:
		return frame.Missing(), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return frame.Value{}, fmt.Errorf("invalid number %q", t)
		}
		return frame.Number(f), nil
	case float64:
		return frame.Number(t), nil
	case int64:
		return frame.Number(float64(t)), nil
	case bool:
		if t {
			return frame.Number(1), nil
		}
		return frame.Number(0), nil
	case string:
		return frame.String(t), nil
	default:
		return frame.Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}
