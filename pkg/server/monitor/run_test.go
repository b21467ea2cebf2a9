package monitor

import (
	"errors"
	"testing"
)

func TestRunMonitor_RecordSuccess(t *testing.T) {
	rm := &RunMonitor{}
	rm.Start("run-1", "WFLA")
	rm.Begin("copy:rbimage")
	rm.RecordSuccess(96)
	rm.Begin("backfill:perfest")
	rm.RecordSuccess(4)

	status := rm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.JobsDone != 2 {
		t.Errorf("JobsDone = %d, want 2", status.JobsDone)
	}
	if status.Written != 100 {
		t.Errorf("Written = %d, want 100", status.Written)
	}
	if status.CurrentJob != "" {
		t.Errorf("CurrentJob = %q, want empty", status.CurrentJob)
	}
	if status.RunID != "run-1" || status.Site != "WFLA" {
		t.Errorf("run = %q/%q, want run-1/WFLA", status.RunID, status.Site)
	}
}

func TestRunMonitor_RecordFailure(t *testing.T) {
	rm := &RunMonitor{}
	rm.Begin("soc")
	rm.RecordFailure(errors.New("connection refused"))

	status := rm.Status()
	if status.Healthy {
		t.Error("Status should be unhealthy after a failed job")
	}
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "connection refused" {
		t.Errorf("LastError = %q, want %q", status.LastError, "connection refused")
	}
	if status.CurrentJob != "soc" {
		t.Errorf("CurrentJob = %q, want the failed job", status.CurrentJob)
	}
}

func TestRunMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*RunMonitor)
		expected bool
	}{
		{
			name:     "nothing attempted",
			setup:    func(*RunMonitor) {},
			expected: true,
		},
		{
			name: "job in progress",
			setup: func(rm *RunMonitor) {
				rm.Begin("migrate:perfest")
			},
			expected: true,
		},
		{
			name: "failed job",
			setup: func(rm *RunMonitor) {
				rm.RecordSuccess(1)
				rm.RecordFailure(errors.New("boom"))
			},
			expected: false,
		},
		{
			name: "success clears failure",
			setup: func(rm *RunMonitor) {
				rm.RecordFailure(errors.New("boom"))
				rm.RecordSuccess(1)
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := &RunMonitor{}
			tt.setup(rm)
			if got := rm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}
