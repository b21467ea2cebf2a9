package snapshot

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/telemigrate/pkg/extract"
	"github.com/nicktill/telemigrate/pkg/frame"
	"github.com/nicktill/telemigrate/pkg/schema"
	"github.com/nicktill/telemigrate/pkg/scope"
)

var _ extract.Source = (*Snapshot)(nil)

const sample = `{
  "columns": ["building.offset.kW", "time", "rbCur_num"],
  "rows": [
    [0.4, 1531161900, 2],
    [-1.2, "2018-07-09T18:30:00Z", null],
    [1.5, 1531162800, "3"]
  ]
}`

func TestLoad_SortsAndKeysOnTime(t *testing.T) {
	s, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	f := s.Frame()
	assert.Equal(t, []string{"building.offset.kW", "rbCur_num"}, f.Columns())
	assert.Equal(t, []int64{1531161000, 1531161900, 1531162800}, f.Times())

	v, _ := f.Value(0, "rbCur_num")
	assert.True(t, v.IsMissing())

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, int64(1531162800), last)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"no time column", `{"columns":["a"],"rows":[[1]]}`},
		{"short row", `{"columns":["time","a"],"rows":[[1]]}`},
		{"bad time", `{"columns":["time","a"],"rows":[["yesterday",1]]}`},
		{"duplicate time", `{"columns":["time","a"],"rows":[[1,1],[1,2]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Empty(t *testing.T) {
	s, err := Load(strings.NewReader(`{"columns":["time","a"],"rows":[]}`))
	require.NoError(t, err)
	_, ok := s.Last()
	assert.False(t, ok)
}

func TestExtract_SelectsGroupWithinWindow(t *testing.T) {
	s, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	grp := schema.Group{Name: "perfest", Fields: []schema.Field{
		{Name: "building.offset.kW", Source: "building.offset.kW", Aggregation: schema.Mean},
		{Name: "building.actual.power.kW", Source: "building.actual.power.kW", Aggregation: schema.Mean},
	}}
	w := scope.Window{Start: 1531161000, End: 1531162800, Site: "WFLA"}

	f, err := s.Extract(context.Background(), w, grp)
	require.NoError(t, err)
	assert.Equal(t, grp.Columns(), f.Columns())
	assert.Equal(t, []int64{1531161000, 1531161900}, f.Times(), "window end is exclusive")

	v, _ := f.Value(0, "building.actual.power.kW")
	assert.True(t, v.IsMissing(), "absent columns come back missing")
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	f := frame.New("offset", "label")
	require.NoError(t, f.Append(900, frame.Number(1.5), frame.String("DMT")))
	require.NoError(t, f.Append(1800, frame.Number(math.NaN()), frame.Missing()))

	var buf bytes.Buffer
	w := scope.Window{Start: 0, End: 2700, Site: "WFLA"}
	res, err := Save(&buf, f, w)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 3, res.Columns)

	s, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, "WFLA", s.Metadata().Site)
	assert.Equal(t, FormatVersion, s.Metadata().Version)
	assert.Equal(t, []int64{900, 1800}, s.Frame().Times())

	v, _ := s.Frame().Value(1, "offset")
	assert.True(t, v.IsMissing())
	v, _ = s.Frame().Value(0, "label")
	assert.Equal(t, "DMT", v.Text())
}

func TestSaveFile(t *testing.T) {
	f := frame.New("a")
	require.NoError(t, f.Append(1, frame.Number(2)))

	path := filepath.Join(t.TempDir(), "perfest.json")
	_, err := SaveFile(path, f, scope.Window{Start: 0, End: 10, Site: "WFLA"})
	require.NoError(t, err)

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Frame().Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
