// Package extract reads aggregated field groups out of the source store
// and reshapes them into frames.
package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/influx"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
)

// DefaultBucketWidth is the aggregation bucket in seconds (15 minutes)
const DefaultBucketWidth = 900

// Source produces one frame per field group over a window. The store-backed
// Adapter, the synthetic generator, and a loaded snapshot all satisfy it.
type Source interface {
	Extract(ctx context.Context, w scope.Window, g schema.Group) (*frame.Frame, error)
}

// Querier is the part of the store client the adapter needs
type Querier interface {
	Select(ctx context.Context, q influx.SelectQuery) (*influx.Response, error)
	SelectInto(ctx context.Context, q influx.SelectQuery) (int64, error)
}

// Adapter issues windowed, aggregated queries against the source schema
type Adapter struct {
	store  Querier
	tagKey string
	width  int64
	logger *zap.Logger
}

// NewAdapter creates an extraction adapter. width is the bucket size in
// seconds; zero means DefaultBucketWidth.
func NewAdapter(store Querier, tagKey string, width int64, logger *zap.Logger) *Adapter {
	if tagKey == "" {
		tagKey = scope.DefaultTagKey
	}
	if width <= 0 {
		width = DefaultBucketWidth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{store: store, tagKey: tagKey, width: width, logger: logger}
}

// Query builds the aggregated select for one group. Corrections are part
// of the field expressions, so the store applies them atomically with the
// aggregation.
func (a *Adapter) Query(w scope.Window, g schema.Group) influx.SelectQuery {
	return influx.SelectQuery{
		Fields:  g.Expressions(),
		From:    g.Source,
		Where:   influx.TagEquals(a.tagKey, w.Site) + " AND " + influx.TimeRange(w.Start, w.End),
		GroupBy: []string{influx.GroupByTime(a.width), schema.QuoteIdent(a.tagKey)},
	}
}

// Fetch runs the group's query and returns the store's raw result.
// Query errors are returned as-is; callers abort the run on them.
func (a *Adapter) Fetch(ctx context.Context, w scope.Window, g schema.Group) (*influx.Response, error) {
	q := a.Query(w, g)
	resp, err := a.store.Select(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query group %s: %w", g.Name, err)
	}
	return resp, nil
}

// Extract fetches and normalizes one group
func (a *Adapter) Extract(ctx context.Context, w scope.Window, g schema.Group) (*frame.Frame, error) {
	resp, err := a.Fetch(ctx, w, g)
	if err != nil {
		return nil, err
	}

	f, err := Normalize(resp, g.Columns())
	if err != nil {
		return nil, fmt.Errorf("failed to normalize group %s: %w", g.Name, err)
	}

	a.logger.Debug("extracted group",
		zap.String("group", g.Name),
		zap.String("window", w.String()),
		zap.Int("rows", f.Len()))
	return f, nil
}

// CopyInto migrates a group server-side with SELECT ... INTO and returns
// the number of points the store reports as written
func (a *Adapter) CopyInto(ctx context.Context, w scope.Window, g schema.Group, dest schema.Target) (int64, error) {
	q := a.Query(w, g)
	q.Into = &dest

	n, err := a.store.SelectInto(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to copy group %s into %s: %w", g.Name, dest.Measurement, err)
	}

	a.logger.Info("copied group",
		zap.String("group", g.Name),
		zap.String("into", dest.String()),
		zap.String("window", w.String()),
		zap.Int64("written", n))
	return n, nil
}

// ExtractAll extracts independent groups concurrently and joins the
// results on timestamp. The first error cancels the remaining queries.
func ExtractAll(ctx context.Context, src Source, w scope.Window, groups []schema.Group) (*frame.Frame, error) {
	frames := make([]*frame.Frame, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	for i, grp := range groups {
		g.Go(func() error {
			f, err := src.Extract(gctx, w, grp)
			if err != nil {
				return err
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(frames) == 1 {
		return frames[0], nil
	}
	return frame.Join(frames...)
}
