package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLast_Empty(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Last("WFLA", "summary")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdvance_MovesForwardOnly(t *testing.T) {
	s := openTestStore(t)

	moved, err := s.Advance(Checkpoint{
		Site:        "WFLA",
		Measurement: "summary",
		Time:        1800,
		Values:      map[string]float64{"rb.state_of_charge.fraction": 0.7654382},
	})
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.Advance(Checkpoint{Site: "WFLA", Measurement: "summary", Time: 900})
	require.NoError(t, err)
	assert.False(t, moved, "older checkpoint must not rewind")

	cp, ok, err := s.Last("WFLA", "summary")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1800), cp.Time)
	soc, ok := cp.Value("rb.state_of_charge.fraction")
	require.True(t, ok)
	assert.Equal(t, 0.7654382, soc)
	assert.False(t, cp.UpdatedAt.IsZero())

	// other measurements and sites are independent
	_, ok, _ = s.Last("WFLA", "soc")
	assert.False(t, ok)
	_, ok, _ = s.Last("KSEA", "summary")
	assert.False(t, ok)
}

func TestAdvance_SameTimeReplacesValues(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Advance(Checkpoint{
		Site:        "WFLA",
		Measurement: "summary/rb.state_of_charge.fraction",
		Time:        1800,
		Values:      map[string]float64{"rb.state_of_charge.fraction": 0.1},
	})
	require.NoError(t, err)

	moved, err := s.Advance(Checkpoint{
		Site:        "WFLA",
		Measurement: "summary/rb.state_of_charge.fraction",
		Time:        1800,
		Values:      map[string]float64{"rb.state_of_charge.fraction": 0.76},
	})
	require.NoError(t, err)
	assert.True(t, moved, "a rerun of the same row rewrites the checkpoint")

	cp, ok, err := s.Last("WFLA", "summary/rb.state_of_charge.fraction")
	require.NoError(t, err)
	require.True(t, ok)
	soc, _ := cp.Value("rb.state_of_charge.fraction")
	assert.Equal(t, 0.76, soc)
}

func TestReset(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Advance(Checkpoint{Site: "WFLA", Measurement: "summary", Time: 1800})
	require.NoError(t, err)
	require.NoError(t, s.Reset("WFLA", "summary"))

	_, ok, err := s.Last("WFLA", "summary")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRuns_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2018, 7, 9, 18, 30, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordRun(Run{
			ID:        NewRunID(),
			Site:      "WFLA",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Status:    StatusSucceeded,
			Jobs:      []JobRecord{{Name: "copy:perfest", Written: int64(i + 1)}},
		}))
	}
	require.NoError(t, s.RecordRun(Run{ID: NewRunID(), Site: "KSEA", StartedAt: base}))

	runs, err := s.Runs("WFLA", 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, base.Add(2*time.Hour), runs[0].StartedAt.UTC())
	assert.Equal(t, int64(3), runs[0].Written())

	runs, err = s.Runs("WFLA", 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRecordRun_Replaces(t *testing.T) {
	s := openTestStore(t)
	run := Run{ID: NewRunID(), Site: "WFLA", StartedAt: time.Now(), Status: StatusRunning}
	require.NoError(t, s.RecordRun(run))

	run.Status = StatusFailed
	run.Error = "query failed"
	require.NoError(t, s.RecordRun(run))

	runs, err := s.Runs("WFLA", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)

	assert.Error(t, s.RecordRun(Run{Site: "WFLA"}))
}
