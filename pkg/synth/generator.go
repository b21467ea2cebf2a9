// Package synth generates analytic telemetry with the same shape the
// extraction adapter returns, for validating the pipeline without touching
// production data.
package synth

import (
	"context"
	"fmt"
	"math"

	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
)

const (
	// DefaultCadence matches the aggregation grid, in seconds
	DefaultCadence int64 = 900

	// RawCadence is the sampling interval used when seeding a source store
	RawCadence int64 = 100

	// DefaultPeriod is the sinusoid period in seconds
	DefaultPeriod int64 = 1800

	// DefaultLabel is emitted for categorical fields
	DefaultLabel = "DMT"
)

// Wave is value(t) = Offset + Scale*sin(2*pi*t/period + Phase)
type Wave struct {
	Offset float64
	Scale  float64
	Phase  float64
}

// At evaluates the wave at ts for the given period
func (w Wave) At(ts, period int64) float64 {
	return w.Offset + w.Scale*math.Sin(2*math.Pi*float64(ts)/float64(period)+w.Phase)
}

// DefaultWaves gives the known fields plausible magnitudes. The offset wave
// crosses zero so generated SOC both charges and discharges. No phase is a
// multiple of pi: the grid cadence is half the period, and such a wave
// would be sampled at its zero crossings only.
func DefaultWaves() map[string]Wave {
	return map[string]Wave{
		"react.target_kw":             {Offset: 12, Scale: 12, Phase: math.Pi / 4},
		"rbCur_num":                   {Offset: 1, Scale: 1, Phase: 3 * math.Pi / 4},
		"building.actual.power.kW":    {Offset: 300, Scale: 25, Phase: math.Pi / 3},
		"building.baseline.power.kW":  {Offset: 250, Scale: 25, Phase: 2 * math.Pi / 3},
		"building.offset.kW":          {Offset: 0, Scale: 5, Phase: math.Pi / 2},
		"rb.state_of_charge.fraction": {Offset: 0.6, Scale: 0.3, Phase: math.Pi / 6},
	}
}

// Generator produces closed-form periodic frames
type Generator struct {
	cadence int64
	period  int64
	waves   map[string]Wave
	label   string
}

// Option configures a Generator
type Option func(*Generator)

// WithPeriod sets the sinusoid period in seconds
func WithPeriod(p int64) Option {
	return func(g *Generator) {
		if p > 0 {
			g.period = p
		}
	}
}

// WithWave overrides the wave for one field
func WithWave(field string, w Wave) Option {
	return func(g *Generator) {
		g.waves[field] = w
	}
}

// WithLabel sets the value emitted for categorical fields
func WithLabel(label string) Option {
	return func(g *Generator) {
		g.label = label
	}
}

// New creates a generator sampling every cadence seconds
func New(cadence int64, opts ...Option) *Generator {
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	g := &Generator{
		cadence: cadence,
		period:  DefaultPeriod,
		waves:   DefaultWaves(),
		label:   DefaultLabel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timestamps returns floor((end-start)/cadence)+1 timestamps starting at
// the window start. The end bound is included when it lands on the cadence.
func (g *Generator) Timestamps(w scope.Window) []int64 {
	if w.End < w.Start {
		return nil
	}
	n := (w.End-w.Start)/g.cadence + 1
	times := make([]int64, n)
	for i := range times {
		times[i] = w.Start + int64(i)*g.cadence
	}
	return times
}

// Wave returns the wave used for a field. Fields without a configured wave
// get one derived from their position so columns stay distinguishable.
func (g *Generator) Wave(field string, position int) Wave {
	if w, ok := g.waves[field]; ok {
		return w
	}
	return Wave{
		Offset: 10 * float64(position+1),
		Scale:  float64(position + 1),
		Phase:  math.Pi/4 + float64(position)*math.Pi/2,
	}
}

// Generate builds a frame over the window. Categorical columns carry the
// configured label; all others are sinusoids.
func (g *Generator) Generate(w scope.Window, columns []string, categorical map[string]bool) (*frame.Frame, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	f := frame.New(columns...)
	for _, ts := range g.Timestamps(w) {
		values := make([]frame.Value, len(columns))
		for i, c := range columns {
			if categorical[c] {
				values[i] = frame.String(g.label)
				continue
			}
			values[i] = frame.Number(g.Wave(c, i).At(ts, g.period))
		}
		if err := f.Append(ts, values...); err != nil {
			return nil, fmt.Errorf("synth: %w", err)
		}
	}
	return f, nil
}

// Extract satisfies extract.Source: one frame per group with the group's
// destination columns, mode fields as labels
func (g *Generator) Extract(ctx context.Context, w scope.Window, grp schema.Group) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	categorical := make(map[string]bool)
	for _, fld := range grp.Fields {
		if !fld.Numeric() {
			categorical[fld.Name] = true
		}
	}
	return g.Generate(w, grp.Columns(), categorical)
}
