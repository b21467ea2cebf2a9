// Package soc integrates the battery state-of-charge signal from offset
// readings.
//
// Each step depends on the previous output, so a pass runs single-threaded
// in timestamp order:
//
//	SOC[0] = seed
//	SOC[i] = SOC[i-1] - (d-pivot)^2 * dischargeGain^2   when d < 0
//	SOC[i] = SOC[i-1] + (d-pivot)^2 * chargeGain^2      when d >= 0
//
// where d is offset[i]. The sign of the step follows the offset reading
// itself, not d-pivot. SOC is not clamped.
package soc

import (
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/telemigrate/pkg/frame"
)

var (
	// ErrMissingSeed is returned when no starting SOC was configured
	ErrMissingSeed = errors.New("soc: seed is required")

	// ErrMissingOffset is returned when an offset reading is absent
	ErrMissingOffset = errors.New("soc: missing offset reading")
)

// Params are the recurrence constants
type Params struct {
	Pivot         float64
	ChargeGain    float64 // applied when offset >= 0
	DischargeGain float64 // applied when offset < 0
}

// DefaultParams returns the constants fitted for the deployed battery
func DefaultParams() Params {
	return Params{
		Pivot:         3,
		ChargeGain:    0.0022,
		DischargeGain: 0.00322,
	}
}

// Engine runs the recurrence
type Engine struct {
	params Params
}

// New creates an engine
func New(p Params) *Engine {
	return &Engine{params: p}
}

// Delta returns the SOC change produced by one offset reading
func (e *Engine) Delta(offset float64) float64 {
	d := offset - e.params.Pivot
	if offset < 0 {
		return -1 * d * d * e.params.DischargeGain * e.params.DischargeGain
	}
	return d * d * e.params.ChargeGain * e.params.ChargeGain
}

// Step advances the state by one reading
func (e *Engine) Step(prev, offset float64) float64 {
	return prev + e.Delta(offset)
}

// Run computes SOC for every reading. The first output is the seed; the
// first offset only marks where the seed applies. The result is a fresh
// slice, the input is never touched.
func (e *Engine) Run(seed float64, offsets []float64) ([]float64, error) {
	if math.IsNaN(seed) || math.IsInf(seed, 0) {
		return nil, ErrMissingSeed
	}
	if len(offsets) == 0 {
		return nil, nil
	}

	out := make([]float64, len(offsets))
	out[0] = seed
	for i := 1; i < len(offsets); i++ {
		if math.IsNaN(offsets[i]) {
			return nil, fmt.Errorf("%w: row %d", ErrMissingOffset, i)
		}
		out[i] = e.Step(out[i-1], offsets[i])
	}
	return out, nil
}

// Apply computes the SOC column from offsetCol and returns a new frame with
// socCol replaced (or appended). Rows must already be on the grid.
func (e *Engine) Apply(f *frame.Frame, offsetCol, socCol string, seed float64) (*frame.Frame, error) {
	values, err := f.Column(offsetCol)
	if err != nil {
		return nil, fmt.Errorf("soc: %w", err)
	}

	times := f.Times()
	offsets := make([]float64, len(values))
	for i, v := range values {
		x, ok := v.Float()
		if !ok && i > 0 {
			return nil, fmt.Errorf("%w: %q at %d", ErrMissingOffset, offsetCol, times[i])
		}
		if !ok {
			x = math.NaN()
		}
		offsets[i] = x
	}

	soc, err := e.Run(seed, offsets)
	if err != nil {
		return nil, err
	}

	column := make([]frame.Value, len(soc))
	for i, s := range soc {
		column[i] = frame.Number(s)
	}
	return f.WithColumn(socCol, column)
}
