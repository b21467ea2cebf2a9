// Package writeback tags finished frames with their site and writes them to
// a destination measurement.
package writeback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/lineproto"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
)

// PointWriter is anything that accepts a batch of points: the store client
// or a local storage sink
type PointWriter interface {
	WritePoints(ctx context.Context, batch lineproto.Batch) error
}

// Result summarizes one write
type Result struct {
	Measurement string
	Columns     []string
	Rows        int   // rows in the input frame
	Written     int   // points sent
	Dropped     int   // rows with an unresolved field
	Batches     int   // remote calls made
	Terminal    int64 // timestamp of the last point written, 0 if none
	Last        frame.Row
}

// Writer converts frames to points and writes them
type Writer struct {
	sink      PointWriter
	batchSize int
	logger    *zap.Logger
}

// Option configures a Writer
type Option func(*Writer)

// WithBatchSize splits writes into batches of at most n points. The
// default, 0, sends everything in a single write.
func WithBatchSize(n int) Option {
	return func(w *Writer) {
		w.batchSize = n
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

// New creates a writer
func New(sink PointWriter, opts ...Option) *Writer {
	w := &Writer{sink: sink, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Points converts f to points tagged with the site. Rows with any missing
// value are skipped; the number skipped is returned.
func Points(f *frame.Frame, measurement string, tag scope.SiteTag) ([]lineproto.Point, int) {
	columns := f.Columns()
	points := make([]lineproto.Point, 0, f.Len())
	dropped := 0

	for i := 0; i < f.Len(); i++ {
		row := f.Row(i)
		fields := make(map[string]interface{}, len(columns))
		complete := true
		for j, v := range row.Values {
			if v.IsMissing() {
				complete = false
				break
			}
			fields[columns[j]] = v.Interface()
		}
		if !complete || len(fields) == 0 {
			dropped++
			continue
		}

		points = append(points, lineproto.Point{
			Measurement: measurement,
			Tags:        tag.Map(),
			Fields:      fields,
			Time:        row.Time,
		})
	}
	return points, dropped
}

// Write sends f to dest with the site tag on every point. An empty frame,
// or one whose rows were all dropped, makes no remote call. Writes are not
// read back.
func (w *Writer) Write(ctx context.Context, f *frame.Frame, dest schema.Target, tag scope.SiteTag) (Result, error) {
	res := Result{Measurement: dest.Measurement, Columns: f.Columns(), Rows: f.Len()}

	complete := f.DropIncomplete()
	points, dropped := Points(complete, dest.Measurement, tag)
	res.Dropped = f.Len() - complete.Len() + dropped

	if len(points) == 0 {
		w.logger.Debug("nothing to write",
			zap.String("measurement", dest.Measurement),
			zap.Int("dropped", res.Dropped))
		return res, nil
	}

	size := w.batchSize
	if size <= 0 {
		size = len(points)
	}

	for start := 0; start < len(points); start += size {
		end := start + size
		if end > len(points) {
			end = len(points)
		}

		batch := lineproto.Batch{
			Database:        dest.Database,
			RetentionPolicy: dest.RetentionPolicy,
			Points:          points[start:end],
		}
		if err := w.sink.WritePoints(ctx, batch); err != nil {
			return res, fmt.Errorf("failed to write %d points to %s: %w", len(batch.Points), dest.String(), err)
		}
		res.Batches++
		res.Written += len(batch.Points)
	}

	last, _ := complete.Last()
	res.Terminal = last.Time
	res.Last = last

	w.logger.Info("wrote frame",
		zap.String("measurement", dest.Measurement),
		zap.String(tag.Key, tag.Value),
		zap.Int("written", res.Written),
		zap.Int("dropped", res.Dropped),
		zap.Int("batches", res.Batches))
	return res, nil
}
