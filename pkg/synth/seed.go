package synth

import (
	"context"
	"fmt"

	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/lineproto"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
)

// PointWriter accepts a batch of points
type PointWriter interface {
	WritePoints(ctx context.Context, batch lineproto.Batch) error
}

// SeedResult counts what Seed wrote per group
type SeedResult struct {
	Group  string
	Points int
}

// Seed writes raw samples for every group into its source measurement,
// tagged with the window's site, so a scratch source store can be migrated
// end to end. Samples use source field names; corrections are left to the
// migration queries.
func (g *Generator) Seed(ctx context.Context, sink PointWriter, w scope.Window, s *schema.Schema) ([]SeedResult, error) {
	tag := w.Tag(s.TagKey)

	var results []SeedResult
	for _, grp := range s.Groups {
		f, err := g.Extract(ctx, w, grp)
		if err != nil {
			return results, fmt.Errorf("failed to generate group %s: %w", grp.Name, err)
		}

		points := sourcePoints(f, grp, tag)
		batch := lineproto.Batch{
			Database:        grp.Source.Database,
			RetentionPolicy: grp.Source.RetentionPolicy,
			Points:          points,
		}
		if len(points) > 0 {
			if err := sink.WritePoints(ctx, batch); err != nil {
				return results, fmt.Errorf("failed to seed %s: %w", grp.Source.String(), err)
			}
		}
		results = append(results, SeedResult{Group: grp.Name, Points: len(points)})
	}
	return results, nil
}

func sourcePoints(f *frame.Frame, grp schema.Group, tag scope.SiteTag) []lineproto.Point {
	points := make([]lineproto.Point, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		row := f.Row(i)
		fields := make(map[string]interface{}, len(grp.Fields))
		for j, fld := range grp.Fields {
			fields[fld.Source] = row.Values[j].Interface()
		}
		points = append(points, lineproto.Point{
			Measurement: grp.Source.Measurement,
			Tags:        tag.Map(),
			Fields:      fields,
			Time:        row.Time,
		})
	}
	return points
}
