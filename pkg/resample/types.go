package resample

import (
	"errors"
	"fmt"
	"math"
)

// DefaultWidth is the bucket width in seconds used by every migration window
const DefaultWidth int64 = 900

// ErrNonNumeric is returned when a value cannot be coerced to a float
var ErrNonNumeric = errors.New("resample: non-numeric value")

// Grid is a fixed-width time grid. A bucket is identified by its start
// timestamp and covers [start, start+Width).
type Grid struct {
	Width int64 // seconds
}

// NewGrid returns a grid with the given width, or DefaultWidth when width <= 0
func NewGrid(width int64) Grid {
	if width <= 0 {
		width = DefaultWidth
	}
	return Grid{Width: width}
}

// BucketStart rounds a timestamp down to the start of its bucket.
// Floor division keeps pre-epoch timestamps in the right bucket.
func (g Grid) BucketStart(ts int64) int64 {
	b := ts / g.Width
	if ts%g.Width != 0 && ts < 0 {
		b--
	}
	return b * g.Width
}

// Align returns the first bucket start at or after ts
func (g Grid) Align(ts int64) int64 {
	start := g.BucketStart(ts)
	if start < ts {
		start += g.Width
	}
	return start
}

// Buckets returns every bucket start in [start, end)
func (g Grid) Buckets(start, end int64) []int64 {
	var out []int64
	for ts := g.Align(start); ts < end; ts += g.Width {
		out = append(out, ts)
	}
	return out
}

func (g Grid) String() string {
	return fmt.Sprintf("%ds", g.Width)
}

// Aggregate accumulates the observations of one field inside one bucket
type Aggregate struct {
	Sum   float64
	Count uint64
}

// Add records one observation
func (a *Aggregate) Add(v float64) {
	a.Sum += v
	a.Count++
}

// Observed reports whether the bucket saw at least one value
func (a *Aggregate) Observed() bool {
	return a.Count > 0
}

// Average calculates the mean value
func (a *Aggregate) Average() float64 {
	if a.Count == 0 {
		return math.NaN()
	}
	return a.Sum / float64(a.Count)
}
