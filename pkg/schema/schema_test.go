package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestField_Expression(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		want  string
	}{
		{
			name:  "mode",
			field: Field{Name: "rbCur", Source: "rbCur", Aggregation: Mode},
			want:  `MODE("rbCur") AS "rbCur"`,
		},
		{
			name:  "mean with positive correction",
			field: Field{Name: "react.target_kw", Source: "react.target_kw", Aggregation: Mean, Correction: 29},
			want:  `MEAN("react.target_kw") + 29 AS "react.target_kw"`,
		},
		{
			name:  "mean with negative correction",
			field: Field{Name: "out", Source: "in", Aggregation: Mean, Correction: -1.5},
			want:  `MEAN("in") - 1.5 AS "out"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.field.Expression())
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	s, err := reg.Get(DefaultVersion)
	require.NoError(t, err)

	rb, ok := s.Group("rbimage")
	require.True(t, ok)
	assert.Equal(t, `MODE("rbCur") AS "rbCur", MEAN("react.target_kw") + 29 AS "react.target_kw"`, rb.Expressions())
	assert.Equal(t, []string{"react.target_kw"}, rb.NumericColumns())
	assert.Equal(t, `"cirrus"."autogen"."rbimage"`, rb.Source.String())

	offsetGroup, ok := s.OffsetGroup()
	require.True(t, ok)
	assert.Equal(t, "perfest", offsetGroup.Name)

	_, err = reg.Get("nope")
	require.True(t, errors.Is(err, ErrUnknownVersion))
	assert.Contains(t, err.Error(), DefaultVersion, "the error lists what is registered")
}

func TestLoad_YAML(t *testing.T) {
	doc := `
versions:
  - version: site-b
    destination: {database: cwp, measurement: summary_b}
    offset_field: offset
    soc_field: soc
    groups:
      - name: perf
        source: {database: raw, measurement: perf}
        fields:
          - {name: offset, source: "building.offset.kW", aggregation: mean, correction: -2}
`
	reg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"site-b"}, reg.Versions())

	s, err := reg.Get("site-b")
	require.NoError(t, err)
	assert.Equal(t, "site_id", s.TagKey, "tag key defaults to site_id")
	assert.Equal(t, `"cwp"."autogen"."summary_b"`, s.Destination.String())

	g, ok := s.Group("perf")
	require.True(t, ok)
	assert.Equal(t, `MEAN("building.offset.kW") - 2 AS "offset"`, g.Expressions())
}

func TestValidate_Rejects(t *testing.T) {
	base := func() *Schema {
		return &Schema{
			Version:     "v",
			TagKey:      "site_id",
			Destination: Target{Database: "d", Measurement: "m"},
			Groups: []Group{{
				Name:   "g",
				Source: Target{Database: "s", Measurement: "m"},
				Fields: []Field{{Name: "a", Source: "a", Aggregation: Mean}},
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(s *Schema)
	}{
		{"unknown aggregation", func(s *Schema) { s.Groups[0].Fields[0].Aggregation = "median" }},
		{"correction on mode", func(s *Schema) {
			s.Groups[0].Fields[0].Aggregation = Mode
			s.Groups[0].Fields[0].Correction = 1
		}},
		{"duplicate field", func(s *Schema) { s.Groups[0].Fields = append(s.Groups[0].Fields, s.Groups[0].Fields[0]) }},
		{"offset not in group", func(s *Schema) { s.OffsetField = "zzz"; s.SOCField = "soc" }},
		{"offset without soc", func(s *Schema) { s.OffsetField = "a" }},
		{"no destination", func(s *Schema) { s.Destination = Target{} }},
	}

	require.NoError(t, base().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(s)
			require.Error(t, s.Validate())
		})
	}
}
