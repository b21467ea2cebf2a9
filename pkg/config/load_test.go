package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Window(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	now := time.Date(2018, 7, 10, 0, 0, 0, 0, time.UTC)
	w, err := cfg.Window(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1531161000), w.Start)
	assert.Equal(t, now.Unix(), w.End)
	assert.Equal(t, "WFLA", w.Site)
	assert.Equal(t, int64(900), cfg.GridSeconds())
}

func TestParseTime(t *testing.T) {
	want := time.Date(2018, 7, 9, 18, 30, 0, 0, time.UTC)

	for _, in := range []string{
		"2018-07-09 18:30:00",
		"2018-07-09 18:30:00.123456",
		"2018-07-09 18:30",
		"2018-07-09T18:30:00Z",
		"2018-07-09T20:30:00+02:00",
		"1531161000",
	} {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got.Truncate(time.Second)), "%s parsed as %s", in, got)
	}

	_, err := ParseTime("last tuesday")
	assert.Error(t, err)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemigrate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[source]
url = "http://store:8086"
write_timeout = "5m"

[migration]
site = "KSEA"
start = "2018-07-21 12:45"
end = "2018-07-21 20:45"
jobs = ["soc"]
resume = true

[soc]
seed = 0.7654382
backfill = true
measurement = "tmp_07_21"
`), 0o644))

	t.Setenv(EnvSite, "WFLA")
	t.Setenv(EnvLogLevel, "info")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://store:8086", cfg.Source.URL)
	assert.Equal(t, 5*time.Minute, cfg.Source.WriteTimeout)
	assert.Equal(t, DefaultQueryTimeout, cfg.Source.QueryTimeout, "unset keys keep defaults")
	assert.Equal(t, "WFLA", cfg.Migration.Site, "env overrides the file")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Migration.Resume)
	require.NotNil(t, cfg.SOC.Seed)
	assert.Equal(t, 0.7654382, *cfg.SOC.Seed)

	w, err := cfg.Window(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(8*3600), w.End-w.Start)
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"unknown key", write("unknown.toml", "[migration]\nsight = \"WFLA\"\n")},
		{"inverted window", write("inverted.toml", "[migration]\nstart = \"2018-07-10\"\nend = \"2018-07-09\"\n")},
		{"bad destination", write("dest.toml", "[destination]\nkind = \"s3\"\n")},
		{"sub-second grid", write("grid.toml", "[migration]\ngrid = \"1500ms\"\n")},
		{"missing file", filepath.Join(dir, "nope.toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv_Seed(t *testing.T) {
	cfg := Default()
	env := map[string]string{EnvSOCSeed: "0.5"}
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))
	require.NotNil(t, cfg.SOC.Seed)
	assert.Equal(t, 0.5, *cfg.SOC.Seed)

	env[EnvSOCSeed] = "NaN"
	assert.Error(t, cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))
}

func TestSOCWindow_FallsBack(t *testing.T) {
	cfg := Default()
	cfg.Migration.End = "2018-07-22"
	cfg.SOC.Start = "2018-07-21 12:45"

	w, err := cfg.SOCWindow(time.Now())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, 7, 21, 12, 45, 0, 0, time.UTC).Unix(), w.Start)
	assert.Equal(t, time.Date(2018, 7, 22, 0, 0, 0, 0, time.UTC).Unix(), w.End)
}
