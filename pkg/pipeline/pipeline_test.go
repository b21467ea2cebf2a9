package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/telemigrate/pkg/checkpoint"
	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/lineproto"
	"github.com/nicktill/telemigrate/pkg/progress"
	"github.com/nicktill/telemigrate/pkg/resample"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
	"github.com/nicktill/telemigrate/pkg/snapshot"
	"github.com/nicktill/telemigrate/pkg/soc"
	"github.com/nicktill/telemigrate/pkg/storage"
	"github.com/nicktill/telemigrate/pkg/storage/memory"
	"github.com/nicktill/telemigrate/pkg/synth"
	"github.com/nicktill/telemigrate/pkg/telemetry"
	"github.com/nicktill/telemigrate/pkg/writeback"
)

const start int64 = 1531161000 // 2018-07-09 18:30:00 UTC, on the 15m grid

var window = scope.Window{Start: start, End: start + 7200, Site: "WFLA"}

type fakeCopier struct {
	mu      sync.Mutex
	windows []scope.Window
	groups  []string
	written int64
}

func (c *fakeCopier) CopyInto(ctx context.Context, w scope.Window, g schema.Group, dest schema.Target) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = append(c.windows, w)
	c.groups = append(c.groups, g.Name)
	return c.written, nil
}

type failingSource struct{}

func (failingSource) Extract(ctx context.Context, w scope.Window, g schema.Group) (*frame.Frame, error) {
	return nil, errors.New("connection refused")
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Publish(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	schema      *schema.Schema
	sink        *memory.Storage
	checkpoints *checkpoint.Store
	events      *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := schema.Default().Get(schema.DefaultVersion)
	require.NoError(t, err)

	cps, err := checkpoint.Open(checkpoint.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })

	return &harness{schema: s, sink: memory.New(), checkpoints: cps, events: &recorder{}}
}

func (h *harness) runner(t *testing.T, cfg Config, deps Deps) *Runner {
	t.Helper()
	if deps.Source == nil {
		deps.Source = synth.New(synth.RawCadence)
	}
	deps.Writer = writeback.New(h.sink)
	deps.Checkpoints = h.checkpoints
	deps.Metrics = telemetry.New()
	deps.Progress = h.events
	deps.Logger = zaptest.NewLogger(t)

	r, err := New(h.schema, cfg, deps)
	require.NoError(t, err)
	return r
}

func (h *harness) points(t *testing.T, measurement string) []lineproto.Point {
	t.Helper()
	points, err := h.sink.Query(context.Background(), storage.QueryRequest{
		Database:     "cwp",
		Measurements: []string{measurement},
	})
	require.NoError(t, err)
	return points
}

// loadSnapshot builds a snapshot of offset and SOC readings
func loadSnapshot(t *testing.T, rows ...[]interface{}) *snapshot.Snapshot {
	t.Helper()
	var b strings.Builder
	b.WriteString(`{"columns":["time","building.offset.kW","rb.state_of_charge.fraction"],"rows":[`)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "[%d,%v,%v]", r[0], r[1], r[2])
	}
	b.WriteString("]}")

	snap, err := snapshot.Load(strings.NewReader(b.String()))
	require.NoError(t, err)
	return snap
}

func plan(t *testing.T, s *schema.Schema, specs ...string) []Job {
	t.Helper()
	p, err := ParsePlan(specs, s)
	require.NoError(t, err)
	return p
}

func seed(v float64) *float64 { return &v }

func TestParseJob(t *testing.T) {
	tests := []struct {
		spec    string
		want    Job
		wantErr bool
	}{
		{spec: "copy:rbimage", want: Job{Kind: KindCopy, Groups: []string{"rbimage"}}},
		{spec: "migrate:rbimage, perfest", want: Job{Kind: KindMigrate, Groups: []string{"rbimage", "perfest"}}},
		{spec: "BACKFILL:perfest", want: Job{Kind: KindBackfill, Groups: []string{"perfest"}}},
		{spec: "soc", want: Job{Kind: KindSOC}},
		{spec: "copy", wantErr: true},
		{spec: "soc:perfest", wantErr: true},
		{spec: "delete:perfest", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseJob(tt.spec)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownJob)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "migrate:rbimage,perfest", Job{Kind: KindMigrate, Groups: []string{"rbimage", "perfest"}}.String())
}

func TestParsePlan_UnknownGroup(t *testing.T) {
	h := newHarness(t)
	_, err := ParsePlan([]string{"copy:rbimage", "copy:weather"}, h.schema)
	require.ErrorIs(t, err, ErrUnknownJob)
	assert.Contains(t, err.Error(), "weather")

	p := plan(t, h.schema, "copy:rbimage", "soc")
	assert.True(t, NeedsSeed(p))
	assert.False(t, NeedsSeed(p[:1]))
}

func TestRun_MigrateSynthetic(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, Config{}, Deps{})

	run, err := r.Run(context.Background(), window, plan(t, h.schema, "migrate:perfest"))
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusSucceeded, run.Status)
	require.Len(t, run.Jobs, 1)
	assert.Equal(t, int64(8), run.Jobs[0].Written, "two hours on a 15 minute grid")
	assert.Equal(t, start+6300, run.Jobs[0].Terminal)

	points := h.points(t, "summary")
	require.Len(t, points, 8)
	for i, p := range points {
		assert.Equal(t, start+int64(i)*900, p.Time, "consecutive buckets are one grid width apart")
		assert.Equal(t, map[string]string{"site_id": "WFLA"}, p.Tags)
		assert.Len(t, p.Fields, 5)
	}

	assert.Equal(t, []string{progress.RunStarted, progress.JobStarted, progress.JobFinished, progress.RunFinished}, h.events.types())

	runs, err := h.checkpoints.Runs("WFLA", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, int64(8), runs[0].Written())
}

func TestRun_CopyWithoutCopierMigratesNumericColumns(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, Config{}, Deps{})

	_, err := r.Run(context.Background(), window, plan(t, h.schema, "copy:rbimage"))
	require.NoError(t, err)

	points := h.points(t, "summary")
	require.Len(t, points, 8)
	assert.Contains(t, points[0].Fields, "react.target_kw")
	assert.NotContains(t, points[0].Fields, "rbCur", "labels are not averaged")
}

func TestRun_CopyIntoStore(t *testing.T) {
	h := newHarness(t)
	copier := &fakeCopier{written: 8}
	r := h.runner(t, Config{}, Deps{Copier: copier})

	run, err := r.Run(context.Background(), window, plan(t, h.schema, "copy:rbimage,perfest"))
	require.NoError(t, err)
	assert.Equal(t, int64(16), run.Jobs[0].Written)
	assert.Equal(t, []string{"rbimage", "perfest"}, copier.groups)
	assert.Equal(t, window, copier.windows[0])
	assert.Empty(t, h.points(t, "summary"), "server-side copies do not pass through the writer")

	cp, ok, err := h.checkpoints.Last("WFLA", "summary/rbimage")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, start+6300, cp.Time)
}

func TestRun_BackfillHandsOffToLaterJobs(t *testing.T) {
	h := newHarness(t)
	snap := loadSnapshot(t,
		[]interface{}{start, 1.0, 0.70},
		[]interface{}{start + 450, 3.0, 0.72},
		[]interface{}{start + 900, -1.0, 0.71},
		[]interface{}{start + 1350, -2.0, 0.70},
		[]interface{}{start + 1700, -3.0, 0.69},
	)
	copier := &fakeCopier{written: 4}
	r := h.runner(t, Config{}, Deps{Copier: copier, Snapshot: snap})

	run, err := r.Run(context.Background(), window, plan(t, h.schema, "copy:rbimage", "backfill:perfest", "copy:perfest"))
	require.NoError(t, err)
	require.Len(t, run.Jobs, 3)

	require.Len(t, copier.windows, 2)
	assert.Equal(t, window.Start, copier.windows[0].Start, "jobs before the backfill use the full window")
	assert.Equal(t, start+1800, copier.windows[1].Start, "copy continues after the snapshot's last bucket")
	assert.Equal(t, window.End, copier.windows[1].End)

	points := h.points(t, "summary")
	require.Len(t, points, 2)
	assert.InDelta(t, 2.0, points[0].Fields["building.offset.kW"], 1e-12)
	assert.InDelta(t, -2.0, points[1].Fields["building.offset.kW"], 1e-12)
	assert.NotContains(t, points[0].Fields, "rbCur_num", "columns the snapshot lacks are not required")
}

func TestRun_BackfillWithoutSnapshot(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, Config{}, Deps{})

	run, err := r.Run(context.Background(), window, plan(t, h.schema, "backfill:perfest"))
	require.ErrorIs(t, err, ErrNoSnapshot)
	assert.Equal(t, checkpoint.StatusFailed, run.Status)
}

func TestRun_SOC(t *testing.T) {
	h := newHarness(t)
	snap := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 900, -1.2, "null"},
		[]interface{}{start + 1800, 4.0, "null"},
	)
	r := h.runner(t, Config{Seed: seed(0.7654382), SOCMeasurement: "tmp_07_21"}, Deps{Snapshot: snap})

	_, err := r.Run(context.Background(), window, plan(t, h.schema, "soc"))
	require.NoError(t, err)

	points := h.points(t, "tmp_07_21")
	require.Len(t, points, 3)
	socField := h.schema.SOCField
	assert.Equal(t, 0.7654382, points[0].Fields[socField])
	assert.InDelta(t, 0.76525530, points[1].Fields[socField], 1e-8)
	assert.InDelta(t, 0.76525530+0.0022*0.0022, points[2].Fields[socField], 1e-8)
	assert.Len(t, points[0].Fields, 1, "only the SOC column is written")
}

func TestRun_SOCBackfillFillsGaps(t *testing.T) {
	h := newHarness(t)
	snap := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 2700, -1.2, "null"},
	)
	r := h.runner(t, Config{
		Seed:        seed(0.7654382),
		SOCBackfill: true,
		SOCWindow:   scope.Window{Start: start, End: start + 3600},
	}, Deps{Snapshot: snap})

	_, err := r.Run(context.Background(), window, plan(t, h.schema, "soc"))
	require.NoError(t, err)

	points := h.points(t, "summary")
	require.Len(t, points, 4)

	d := soc.New(soc.DefaultParams()).Delta(-1.2)
	assert.InDelta(t, 0.7654382+3*d, points[3].Fields[h.schema.SOCField], 1e-12)
}

func TestRun_MissingSeedFailsBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, Config{}, Deps{})

	run, err := r.Run(context.Background(), window, plan(t, h.schema, "migrate:perfest", "soc"))
	require.ErrorIs(t, err, soc.ErrMissingSeed)
	assert.Equal(t, checkpoint.StatusFailed, run.Status)
	assert.Empty(t, run.Jobs)
	assert.Equal(t, 0, h.sink.Writes())
}

func TestRun_ResumeSOCFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	first := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 900, -1.2, "null"},
		[]interface{}{start + 1800, 4.0, "null"},
	)
	r := h.runner(t, Config{Seed: seed(0.7654382), Resume: true}, Deps{Snapshot: first})
	_, err := r.Run(context.Background(), window, plan(t, h.schema, "soc"))
	require.NoError(t, err)

	stored := h.points(t, "summary")[2].Fields[h.schema.SOCField].(float64)

	second := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 900, -1.2, "null"},
		[]interface{}{start + 1800, 4.0, "null"},
		[]interface{}{start + 2700, 1.0, "null"},
	)
	r = h.runner(t, Config{Resume: true}, Deps{Snapshot: second})
	run, err := r.Run(context.Background(), window, plan(t, h.schema, "soc"))
	require.NoError(t, err, "a stored SOC stands in for the seed")
	assert.Equal(t, start+1800, run.Jobs[0].Start)
	assert.Equal(t, int64(2), run.Jobs[0].Written)

	points := h.points(t, "summary")
	require.Len(t, points, 4)
	assert.Equal(t, stored, points[2].Fields[h.schema.SOCField], "rewriting the checkpoint row is idempotent")
	assert.InDelta(t, stored+4*0.0022*0.0022, points[3].Fields[h.schema.SOCField], 1e-12)
}

func TestRun_ResumeSOCWithoutCheckpointRow(t *testing.T) {
	h := newHarness(t)
	first := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 900, -1.2, "null"},
		[]interface{}{start + 1800, 4.0, "null"},
	)
	r := h.runner(t, Config{Seed: seed(0.7654382), Resume: true}, Deps{Snapshot: first})
	_, err := r.Run(context.Background(), window, plan(t, h.schema, "soc"))
	require.NoError(t, err)

	stored := h.points(t, "summary")[2].Fields[h.schema.SOCField].(float64)

	// the checkpoint bucket has no reading in the later extract
	second := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 2700, 1.0, "null"},
	)
	r = h.runner(t, Config{Resume: true}, Deps{Snapshot: second})
	run, err := r.Run(context.Background(), window, plan(t, h.schema, "soc"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.Jobs[0].Written)

	points := h.points(t, "summary")
	require.Len(t, points, 4)
	assert.InDelta(t, stored+4*0.0022*0.0022, points[3].Fields[h.schema.SOCField], 1e-12,
		"the first resumed row keeps its own step")
}

func TestRun_SOCRerunRewritesCheckpoint(t *testing.T) {
	h := newHarness(t)
	snap := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 900, -1.2, "null"},
	)
	p := plan(t, h.schema, "soc")

	_, err := h.runner(t, Config{Seed: seed(0.1)}, Deps{Snapshot: snap}).Run(context.Background(), window, p)
	require.NoError(t, err)
	_, err = h.runner(t, Config{Seed: seed(0.7654382)}, Deps{Snapshot: snap}).Run(context.Background(), window, p)
	require.NoError(t, err)

	socField := h.schema.SOCField
	points := h.points(t, "summary")
	require.Len(t, points, 2)
	terminal := points[1].Fields[socField].(float64)
	assert.InDelta(t, 0.76525530, terminal, 1e-8)

	cp, ok, err := h.checkpoints.Last("WFLA", checkpointKey("summary", socField))
	require.NoError(t, err)
	require.True(t, ok)
	stored, _ := cp.Value(socField)
	assert.Equal(t, terminal, stored, "the checkpoint follows the corrected rerun")
}

func TestRun_ResumeCopy(t *testing.T) {
	h := newHarness(t)
	copier := &fakeCopier{written: 8}
	p := plan(t, h.schema, "copy:rbimage")

	_, err := h.runner(t, Config{Resume: true}, Deps{Copier: copier}).Run(context.Background(), window, p)
	require.NoError(t, err)
	_, err = h.runner(t, Config{Resume: true}, Deps{Copier: copier}).Run(context.Background(), window, p)
	require.NoError(t, err)

	require.Len(t, copier.windows, 2)
	assert.Equal(t, start, copier.windows[0].Start)
	assert.Equal(t, start+6300, copier.windows[1].Start)
}

func TestResetCheckpoints_RestartsFromWindow(t *testing.T) {
	h := newHarness(t)
	copier := &fakeCopier{written: 8}
	p := plan(t, h.schema, "copy:rbimage", "soc")
	cfg := Config{Resume: true, Seed: seed(0.5)}
	snap := loadSnapshot(t,
		[]interface{}{start, 0.5, "null"},
		[]interface{}{start + 900, -1.2, "null"},
	)

	r := h.runner(t, cfg, Deps{Copier: copier, Snapshot: snap})
	_, err := r.Run(context.Background(), window, p)
	require.NoError(t, err)

	require.NoError(t, r.ResetCheckpoints("WFLA", p))
	_, ok, err := h.checkpoints.Last("WFLA", checkpointKey("summary", h.schema.SOCField))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Run(context.Background(), window, p)
	require.NoError(t, err)
	require.Len(t, copier.windows, 2)
	assert.Equal(t, start, copier.windows[1].Start)
}

func TestPreflight(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, Config{}, Deps{})

	require.NoError(t, r.Preflight(window, plan(t, h.schema, "migrate:perfest")))
	require.ErrorIs(t, r.Preflight(window, plan(t, h.schema, "soc")), soc.ErrMissingSeed)
	require.ErrorIs(t, r.Preflight(scope.Window{Site: "WFLA"}, nil), scope.ErrInvalidWindow)
	assert.Equal(t, 0, h.sink.Writes())
}

func TestRun_SourceErrorAbortsRun(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, Config{}, Deps{Source: failingSource{}})

	run, err := r.Run(context.Background(), window, plan(t, h.schema, "migrate:perfest", "migrate:rbimage"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.Len(t, run.Jobs, 1, "the run stops at the first failure")
	assert.NotEmpty(t, run.Jobs[0].Error)

	runs, err := h.checkpoints.Runs("WFLA", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, checkpoint.StatusFailed, runs[0].Status)
	assert.Contains(t, h.events.types(), progress.JobFailed)
}

func TestRun_InvalidWindow(t *testing.T) {
	h := newHarness(t)
	r := h.runner(t, Config{}, Deps{})

	_, err := r.Run(context.Background(), scope.Window{Start: start, End: start, Site: "WFLA"}, nil)
	require.ErrorIs(t, err, scope.ErrInvalidWindow)
}

func TestNew_RequiresSourceAndWriter(t *testing.T) {
	s, _ := schema.Default().Get(schema.DefaultVersion)
	_, err := New(s, Config{}, Deps{Writer: writeback.New(memory.New())})
	require.Error(t, err)
	_, err = New(s, Config{}, Deps{Source: synth.New(synth.RawCadence)})
	require.Error(t, err)

	r, err := New(s, Config{}, Deps{Source: synth.New(synth.RawCadence), Writer: writeback.New(memory.New())})
	require.NoError(t, err)
	assert.Equal(t, resample.DefaultWidth, r.cfg.Grid.Width)
}
