// Package pipeline runs a migration plan: an ordered list of jobs over one
// site and window, chaining each job's terminal timestamp into the next and
// recording checkpoints so reruns pick up where the last run stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/checkpoint"
	"github.com/nicktill/telemigrate/pkg/extract"
	"github.com/nicktill/telemigrate/pkg/progress"
	"github.com/nicktill/telemigrate/pkg/resample"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
	"github.com/nicktill/telemigrate/pkg/server/monitor"
	"github.com/nicktill/telemigrate/pkg/snapshot"
	"github.com/nicktill/telemigrate/pkg/soc"
	"github.com/nicktill/telemigrate/pkg/telemetry"
	"github.com/nicktill/telemigrate/pkg/writeback"
)

// Copier migrates a group inside the store. The live extract.Adapter
// satisfies it; the synthetic source does not, and copy jobs fall back to
// client-side migration.
type Copier interface {
	CopyInto(ctx context.Context, w scope.Window, g schema.Group, dest schema.Target) (int64, error)
}

// Checkpoints is the part of checkpoint.Store the runner uses
type Checkpoints interface {
	Last(site, measurement string) (checkpoint.Checkpoint, bool, error)
	Advance(cp checkpoint.Checkpoint) (bool, error)
	Reset(site, measurement string) error
	RecordRun(run checkpoint.Run) error
}

// Config holds the resolved per-run settings
type Config struct {
	Grid resample.Grid

	// Resume starts each job at its checkpoint instead of the window start
	Resume bool

	// Seed is the SOC at the first recurrence row. Required for a soc job
	// unless Resume finds a stored SOC.
	Seed *float64

	// SOCWindow bounds the soc job; zero means the run window
	SOCWindow scope.Window

	// SOCBackfill places offsets on every bucket of the SOC window and fills
	// gaps from the next observed bucket before the recurrence runs
	SOCBackfill bool

	// SOCMeasurement receives the SOC column; empty means the schema
	// destination
	SOCMeasurement string

	Params soc.Params
}

// Deps are the collaborators of a run. Source and Writer are required.
type Deps struct {
	Source      extract.Source
	Copier      Copier
	Snapshot    *snapshot.Snapshot
	Writer      *writeback.Writer
	Checkpoints Checkpoints
	Metrics     *telemetry.Metrics
	Progress    progress.Publisher
	Monitor     *monitor.RunMonitor
	Logger      *zap.Logger
}

// Runner executes plans against one schema
type Runner struct {
	schema *schema.Schema
	cfg    Config
	deps   Deps
	engine *soc.Engine
	logger *zap.Logger
}

// New creates a runner
func New(s *schema.Schema, cfg Config, deps Deps) (*Runner, error) {
	if deps.Source == nil {
		return nil, errors.New("pipeline: a source is required")
	}
	if deps.Writer == nil {
		return nil, errors.New("pipeline: a writer is required")
	}
	if cfg.Grid.Width <= 0 {
		cfg.Grid = resample.NewGrid(resample.DefaultWidth)
	}
	if cfg.Params == (soc.Params{}) {
		cfg.Params = soc.DefaultParams()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Monitor == nil {
		deps.Monitor = &monitor.RunMonitor{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		schema: s,
		cfg:    cfg,
		deps:   deps,
		engine: soc.New(cfg.Params),
		logger: logger,
	}, nil
}

// jobOutcome is what one job hands back to the run loop
type jobOutcome struct {
	record checkpoint.JobRecord

	// next, when set, is the lower bound for the jobs that follow
	next int64
}

// Run executes plan over w. It stops at the first failing job; the run
// record is returned either way.
func (r *Runner) Run(ctx context.Context, w scope.Window, plan []Job) (checkpoint.Run, error) {
	run := checkpoint.Run{
		ID:        checkpoint.NewRunID(),
		Site:      w.Site,
		Schema:    r.schema.Version,
		Start:     w.Start,
		End:       w.End,
		StartedAt: time.Now().UTC(),
		Status:    checkpoint.StatusRunning,
	}
	logger := r.logger.With(zap.String("run_id", run.ID), zap.String("site", w.Site))

	if err := r.Preflight(w, plan); err != nil {
		return r.fail(logger, run, err)
	}

	r.record(logger, run)
	r.deps.Monitor.Start(run.ID, w.Site)
	r.deps.Progress.Publish(progress.Event{Type: progress.RunStarted, RunID: run.ID, Site: w.Site})
	logger.Info("run started",
		zap.String("window", w.String()),
		zap.String("schema", r.schema.Version),
		zap.Int("jobs", len(plan)))

	cursor := w.Start
	for _, job := range plan {
		jobLogger := logger.With(zap.String("job", job.String()))
		r.deps.Monitor.Begin(job.String())
		r.deps.Progress.Publish(progress.Event{Type: progress.JobStarted, RunID: run.ID, Site: w.Site, Job: job.String()})

		// The recurrence has its own window and ignores the chained cursor
		jw := w.From(cursor)
		if job.Kind == KindSOC {
			jw = w
		}

		started := time.Now()
		out, err := r.runJob(ctx, jobLogger, run.ID, jw, job)
		out.record.Name = job.String()
		out.record.Kind = string(job.Kind)
		out.record.Duration = time.Since(started)
		r.deps.Metrics.ObserveJob(string(job.Kind), out.record.Duration, err)

		if err != nil {
			out.record.Error = err.Error()
			run.Jobs = append(run.Jobs, out.record)
			r.deps.Monitor.RecordFailure(err)
			r.deps.Progress.Publish(progress.Event{
				Type: progress.JobFailed, RunID: run.ID, Site: w.Site, Job: job.String(), Error: err.Error(),
			})
			return r.fail(logger, run, fmt.Errorf("job %s: %w", job, err))
		}

		run.Jobs = append(run.Jobs, out.record)
		r.record(logger, run)
		r.deps.Monitor.RecordSuccess(out.record.Written)
		r.deps.Progress.Publish(progress.Event{
			Type:     progress.JobFinished,
			RunID:    run.ID,
			Site:     w.Site,
			Job:      job.String(),
			Written:  out.record.Written,
			Dropped:  out.record.Dropped,
			Terminal: out.record.Terminal,
		})
		jobLogger.Info("job finished",
			zap.Int64("written", out.record.Written),
			zap.Int("dropped", out.record.Dropped),
			zap.Int64("terminal", out.record.Terminal),
			zap.Bool("skipped", out.record.Skipped),
			zap.Duration("took", out.record.Duration.Round(time.Millisecond)))

		if out.next > cursor {
			cursor = out.next
		}
	}

	run.Status = checkpoint.StatusSucceeded
	run.FinishedAt = time.Now().UTC()
	r.record(logger, run)
	r.deps.Progress.Publish(progress.Event{Type: progress.RunFinished, RunID: run.ID, Site: w.Site, Written: run.Written()})
	logger.Info("run finished", zap.Int64("written", run.Written()))
	return run, nil
}

// Preflight checks what running plan over w needs before anything is
// written: a valid window and, with a soc job, a seed or a stored SOC
func (r *Runner) Preflight(w scope.Window, plan []Job) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if NeedsSeed(plan) {
		return r.checkSeed(w)
	}
	return nil
}

// ResetCheckpoints forgets the progress of every job in plan for site, so
// a resumed run starts over from its window
func (r *Runner) ResetCheckpoints(site string, plan []Job) error {
	if r.deps.Checkpoints == nil {
		return nil
	}
	for _, job := range plan {
		for _, key := range r.checkpointKeys(job) {
			if err := r.deps.Checkpoints.Reset(site, key); err != nil {
				return fmt.Errorf("failed to reset %s: %w", key, err)
			}
			r.logger.Info("checkpoint reset", zap.String("site", site), zap.String("key", key))
		}
	}
	return nil
}

// checkpointKeys lists the keys a job advances
func (r *Runner) checkpointKeys(job Job) []string {
	dest := r.schema.Destination.Measurement
	switch job.Kind {
	case KindCopy:
		keys := []string{checkpointKey(dest, job.Groups...)}
		for _, g := range job.Groups {
			keys = append(keys, checkpointKey(dest, g))
		}
		return keys
	case KindMigrate, KindBackfill:
		return []string{checkpointKey(dest, job.Groups...)}
	case KindSOC:
		return []string{checkpointKey(r.socTarget().Measurement, r.schema.SOCField)}
	default:
		return nil
	}
}

func (r *Runner) runJob(ctx context.Context, logger *zap.Logger, runID string, w scope.Window, job Job) (jobOutcome, error) {
	if err := ctx.Err(); err != nil {
		return jobOutcome{}, err
	}

	switch job.Kind {
	case KindCopy:
		if r.deps.Copier == nil {
			logger.Debug("no server-side copy available, migrating client-side")
			return r.migrate(ctx, logger, runID, w, job)
		}
		return r.copy(ctx, logger, runID, w, job)
	case KindMigrate:
		return r.migrate(ctx, logger, runID, w, job)
	case KindBackfill:
		return r.backfill(ctx, logger, runID, w, job)
	case KindSOC:
		return r.soc(ctx, logger, runID, w)
	default:
		return jobOutcome{}, fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
}

func (r *Runner) fail(logger *zap.Logger, run checkpoint.Run, err error) (checkpoint.Run, error) {
	run.Status = checkpoint.StatusFailed
	run.FinishedAt = time.Now().UTC()
	run.Error = err.Error()
	r.record(logger, run)
	r.deps.Progress.Publish(progress.Event{Type: progress.RunFailed, RunID: run.ID, Site: run.Site, Error: err.Error()})
	logger.Error("run failed", zap.Error(err))
	return run, err
}

// record persists the run; history is best effort and never fails a run
func (r *Runner) record(logger *zap.Logger, run checkpoint.Run) {
	if r.deps.Checkpoints == nil {
		return
	}
	if err := r.deps.Checkpoints.RecordRun(run); err != nil {
		logger.Warn("failed to record run", zap.Error(err))
	}
}

// resume moves w's start up to the stored checkpoint and reports whether
// the window now starts exactly at it. The checkpoint's own bucket is
// migrated again; the rewrite lands on the same timestamps and replaces
// rather than duplicates.
func (r *Runner) resume(w scope.Window, key string) (scope.Window, checkpoint.Checkpoint, bool, error) {
	if !r.cfg.Resume || r.deps.Checkpoints == nil {
		return w, checkpoint.Checkpoint{}, false, nil
	}
	cp, ok, err := r.deps.Checkpoints.Last(w.Site, key)
	if err != nil || !ok {
		return w, cp, false, err
	}
	if cp.Time < w.Start {
		return w, cp, false, nil
	}
	return w.Next(cp.Time, w.End), cp, true, nil
}

// advance stores the terminal row of a write. A failure here fails the job:
// a run that cannot record its progress cannot be resumed safely.
func (r *Runner) advance(runID, site, key string, res writeback.Result) error {
	if r.deps.Checkpoints == nil || res.Written == 0 {
		return nil
	}

	cp := checkpoint.Checkpoint{
		Site:        site,
		Measurement: key,
		Time:        res.Terminal,
		RunID:       runID,
	}
	if res.Last.Values != nil {
		cp.Values = make(map[string]float64, len(res.Last.Values))
		for i, col := range res.Columns {
			if x, ok := res.Last.Values[i].Float(); ok {
				cp.Values[col] = x
			}
		}
	}
	_, err := r.deps.Checkpoints.Advance(cp)
	return err
}

// checkpointKey identifies what a job writes: the destination measurement
// plus the groups (or column) it fills. Groups sharing a measurement chain
// independently.
func checkpointKey(measurement string, parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	return measurement + "/" + strings.Join(sorted, ",")
}

func (r *Runner) groups(j Job) []schema.Group {
	out := make([]schema.Group, 0, len(j.Groups))
	for _, name := range j.Groups {
		if g, ok := r.schema.Group(name); ok {
			out = append(out, g)
		}
	}
	return out
}
