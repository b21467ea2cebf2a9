package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/checkpoint"
	"github.com/nicktill/telemigrate/pkg/extract"
	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/resample"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
	"github.com/nicktill/telemigrate/pkg/soc"
	"github.com/nicktill/telemigrate/pkg/writeback"
)

// ErrNoSnapshot is returned by a backfill job when no snapshot was loaded
var ErrNoSnapshot = errors.New("pipeline: backfill needs a snapshot")

// copy runs SELECT ... INTO per group. The store only reports a count, so
// the checkpoint is placed on the last bucket the window could have filled.
func (r *Runner) copy(ctx context.Context, logger *zap.Logger, runID string, w scope.Window, job Job) (jobOutcome, error) {
	dest := r.schema.Destination
	out := jobOutcome{record: checkpoint.JobRecord{Start: w.Start, End: w.End}}

	for _, grp := range r.groups(job) {
		key := checkpointKey(dest.Measurement, grp.Name)
		gw, _, _, err := r.resume(w, key)
		if err != nil {
			return out, err
		}
		if gw.Validate() != nil {
			logger.Debug("group already migrated", zap.String("group", grp.Name))
			continue
		}

		n, err := r.deps.Copier.CopyInto(ctx, gw, grp, dest)
		if err != nil {
			return out, err
		}
		out.record.Written += n
		if n == 0 {
			continue
		}

		terminal := r.cfg.Grid.BucketStart(gw.End - 1)
		if terminal > out.record.Terminal {
			out.record.Terminal = terminal
		}
		r.deps.Metrics.Written(w.Site, dest.Measurement, n, terminal)
		if err := r.advance(runID, w.Site, key, writeback.Result{Written: int(n), Terminal: terminal}); err != nil {
			return out, err
		}
	}
	return out, nil
}

// migrate extracts the groups, joins them on time, resamples the numeric
// columns and writes the complete buckets. Categorical columns only travel
// with server-side copies; a mean of labels does not exist.
func (r *Runner) migrate(ctx context.Context, logger *zap.Logger, runID string, w scope.Window, job Job) (jobOutcome, error) {
	groups := r.groups(job)
	dest := r.schema.Destination
	key := checkpointKey(dest.Measurement, job.Groups...)

	w, _, _, err := r.resume(w, key)
	if err != nil {
		return jobOutcome{}, err
	}
	out := jobOutcome{record: checkpoint.JobRecord{Start: w.Start, End: w.End}}
	if w.Validate() != nil {
		out.record.Skipped = true
		return out, nil
	}

	raw, err := extract.ExtractAll(ctx, r.deps.Source, w, groups)
	if err != nil {
		return out, err
	}
	raw = raw.Between(w.Start, w.End)
	r.deps.Metrics.Extracted(w.Site, job.String(), raw.Len())

	var numeric []string
	for _, grp := range groups {
		numeric = append(numeric, grp.NumericColumns()...)
	}
	if len(numeric) < len(raw.Columns()) {
		logger.Debug("categorical columns are not resampled", zap.Strings("kept", numeric))
	}

	res, err := r.resampleAndWrite(ctx, logger, job, raw, numeric, dest, w, &out)
	if err != nil {
		return out, err
	}
	return out, r.advance(runID, w.Site, key, res)
}

// backfill replays the snapshot for the groups' numeric columns. The
// bucket after the snapshot's last sample becomes the lower bound for the
// jobs that follow, so later copies do not overwrite it with partial data.
func (r *Runner) backfill(ctx context.Context, logger *zap.Logger, runID string, w scope.Window, job Job) (jobOutcome, error) {
	snap := r.deps.Snapshot
	if snap == nil {
		return jobOutcome{}, ErrNoSnapshot
	}

	dest := r.schema.Destination
	key := checkpointKey(dest.Measurement, job.Groups...)

	out := jobOutcome{}
	if last, ok := snap.Last(); ok {
		out.next = r.cfg.Grid.BucketStart(last) + r.cfg.Grid.Width
	}

	w, _, _, err := r.resume(w, key)
	if err != nil {
		return out, err
	}
	out.record = checkpoint.JobRecord{Start: w.Start, End: w.End}
	if w.Validate() != nil {
		out.record.Skipped = true
		return out, nil
	}

	// Only the columns the snapshot actually carries are required
	available := snap.Frame()
	var columns []string
	for _, grp := range r.groups(job) {
		for _, c := range grp.NumericColumns() {
			if available.Has(c) {
				columns = append(columns, c)
			}
		}
	}
	if len(columns) == 0 {
		return out, fmt.Errorf("snapshot has none of the columns of %s", job)
	}

	raw, err := snap.Select(columns...)
	if err != nil {
		return out, err
	}
	raw = raw.Between(w.Start, w.End)
	r.deps.Metrics.Extracted(w.Site, job.String(), raw.Len())

	res, err := r.resampleAndWrite(ctx, logger, job, raw, columns, dest, w, &out)
	if err != nil {
		return out, err
	}
	return out, r.advance(runID, w.Site, key, res)
}

// soc recomputes the state-of-charge column. With resume, the job restarts
// at the stored SOC row and seeds the recurrence from it.
func (r *Runner) soc(ctx context.Context, logger *zap.Logger, runID string, w scope.Window) (jobOutcome, error) {
	w = r.socWindow(w)
	offsetCol, socCol := r.schema.OffsetField, r.schema.SOCField
	dest := r.socTarget()
	key := checkpointKey(dest.Measurement, socCol)

	w, cp, resumed, err := r.resume(w, key)
	if err != nil {
		return jobOutcome{}, err
	}
	out := jobOutcome{record: checkpoint.JobRecord{Start: w.Start, End: w.End}}
	if w.Validate() != nil {
		out.record.Skipped = true
		return out, nil
	}

	seed, err := r.seedFor(cp, resumed, socCol)
	if err != nil {
		return out, err
	}

	offsets, err := r.offsets(ctx, w)
	if err != nil {
		return out, err
	}
	r.deps.Metrics.Extracted(w.Site, string(KindSOC), offsets.Len())

	grid, stats, err := resample.ResampleStats(offsets, r.cfg.Grid, offsetCol)
	if err != nil {
		return out, err
	}
	if r.cfg.SOCBackfill {
		if grid, err = resample.Reindex(grid, r.cfg.Grid, w.Start, w.End); err != nil {
			return out, err
		}
		if grid, err = resample.Backfill(grid); err != nil {
			return out, err
		}
	}
	// Trailing buckets with nothing to fill from cannot feed the recurrence
	complete := grid.DropIncomplete()
	out.record.Dropped = stats.Dropped + grid.Len() - complete.Len()
	r.deps.Metrics.Dropped(w.Site, string(KindSOC), out.record.Dropped)

	if complete.Len() == 0 {
		logger.Info("no offset readings in window", zap.String("window", w.String()))
		return out, nil
	}

	// The stored SOC belongs to the checkpoint row. When that row no longer
	// has an offset, the first row here still owes its own step.
	if first := complete.Row(0); resumed && first.Time != cp.Time {
		offset, err := complete.Value(0, offsetCol)
		if err != nil {
			return out, err
		}
		x, _ := offset.Float()
		seed = r.engine.Step(seed, x)
		logger.Warn("checkpoint row has no offset, stepping from the stored SOC",
			zap.Int64("checkpoint", cp.Time),
			zap.Int64("first", first.Time))
	}

	withSOC, err := r.engine.Apply(complete, offsetCol, socCol, seed)
	if err != nil {
		return out, err
	}
	final, err := withSOC.Select(socCol)
	if err != nil {
		return out, err
	}

	res, err := r.deps.Writer.Write(ctx, final, dest, w.Tag(r.schema.TagKey))
	if err != nil {
		return out, err
	}
	out.record.Written = int64(res.Written)
	out.record.Dropped += res.Dropped
	out.record.Terminal = res.Terminal
	r.deps.Metrics.Written(w.Site, dest.Measurement, int64(res.Written), res.Terminal)

	if res.Written > 0 {
		if x, ok := res.Last.Values[0].Float(); ok {
			r.deps.Metrics.SOC(w.Site, x)
			logger.Info("state of charge computed",
				zap.Float64("seed", seed),
				zap.Float64("last", x),
				zap.Int("rows", res.Written))
		}
	}
	return out, r.advance(runID, w.Site, key, res)
}

// offsets reads the offset column from the snapshot when it has one,
// otherwise from the source
func (r *Runner) offsets(ctx context.Context, w scope.Window) (*frame.Frame, error) {
	offsetCol := r.schema.OffsetField
	if snap := r.deps.Snapshot; snap != nil && snap.Frame().Has(offsetCol) {
		f, err := snap.Select(offsetCol)
		if err != nil {
			return nil, err
		}
		return f.Between(w.Start, w.End), nil
	}

	grp, ok := r.schema.OffsetGroup()
	if !ok {
		return nil, fmt.Errorf("schema %s has no group with %q", r.schema.Version, offsetCol)
	}
	f, err := r.deps.Source.Extract(ctx, w, grp)
	if err != nil {
		return nil, err
	}
	f, err = f.Select(offsetCol)
	if err != nil {
		return nil, err
	}
	return f.Between(w.Start, w.End), nil
}

// checkSeed fails a plan with a soc job up front when no seed can be found,
// before any other job writes anything
func (r *Runner) checkSeed(w scope.Window) error {
	if r.cfg.Seed != nil {
		if math.IsNaN(*r.cfg.Seed) || math.IsInf(*r.cfg.Seed, 0) {
			return soc.ErrMissingSeed
		}
		return nil
	}

	sw := r.socWindow(w)
	_, cp, resumed, err := r.resume(sw, checkpointKey(r.socTarget().Measurement, r.schema.SOCField))
	if err != nil {
		return err
	}
	if _, ok := cp.Value(r.schema.SOCField); resumed && ok {
		return nil
	}
	return fmt.Errorf("%w: set soc.seed or SOC_SEED, or resume from a stored SOC", soc.ErrMissingSeed)
}

// seedFor prefers the stored SOC when resuming: the recurrence continues
// from the row it stopped at
func (r *Runner) seedFor(cp checkpoint.Checkpoint, resumed bool, socCol string) (float64, error) {
	if resumed {
		if v, ok := cp.Value(socCol); ok {
			return v, nil
		}
	}
	if r.cfg.Seed == nil {
		return 0, soc.ErrMissingSeed
	}
	return *r.cfg.Seed, nil
}

func (r *Runner) socWindow(w scope.Window) scope.Window {
	if r.cfg.SOCWindow.End > r.cfg.SOCWindow.Start {
		sw := r.cfg.SOCWindow
		sw.Site = w.Site
		return sw
	}
	return w
}

func (r *Runner) socTarget() schema.Target {
	if r.cfg.SOCMeasurement == "" {
		return r.schema.Destination
	}
	return r.schema.Destination.WithMeasurement(r.cfg.SOCMeasurement)
}

// resampleAndWrite is the shared tail of migrate and backfill
func (r *Runner) resampleAndWrite(ctx context.Context, logger *zap.Logger, job Job, raw *frame.Frame, columns []string, dest schema.Target, w scope.Window, out *jobOutcome) (writeback.Result, error) {
	selected, err := raw.Select(columns...)
	if err != nil {
		return writeback.Result{}, err
	}

	grid, stats, err := resample.ResampleStats(selected, r.cfg.Grid)
	if err != nil {
		return writeback.Result{}, err
	}
	r.deps.Metrics.Dropped(w.Site, job.String(), stats.Dropped)
	logger.Debug("resampled",
		zap.Int("rows", stats.Rows),
		zap.Int("buckets", stats.Buckets),
		zap.Int("dropped", stats.Dropped))

	res, err := r.deps.Writer.Write(ctx, grid, dest, w.Tag(r.schema.TagKey))
	if err != nil {
		return res, err
	}

	out.record.Written = int64(res.Written)
	out.record.Dropped = stats.Dropped + res.Dropped
	out.record.Terminal = res.Terminal
	r.deps.Metrics.Written(w.Site, dest.Measurement, int64(res.Written), res.Terminal)
	return res, nil
}
