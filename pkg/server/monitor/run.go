package monitor

import (
	"sync"
	"time"
)

// RunMonitor tracks the health of the migration run the process is executing.
type RunMonitor struct {
	mu                sync.RWMutex
	runID             string
	site              string
	currentJob        string
	lastSuccess       time.Time
	lastAttempt       time.Time
	jobsDone          int
	written           int64
	consecutiveErrors int
	lastError         string
}

// Start records the run the process is working on.
func (rm *RunMonitor) Start(runID, site string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.runID = runID
	rm.site = site
	rm.jobsDone = 0
	rm.written = 0
}

// Begin marks a job as in progress.
func (rm *RunMonitor) Begin(job string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.currentJob = job
	rm.lastAttempt = time.Now()
}

// RecordSuccess records a completed job.
func (rm *RunMonitor) RecordSuccess(written int64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastSuccess = time.Now()
	rm.lastAttempt = rm.lastSuccess
	rm.currentJob = ""
	rm.jobsDone++
	rm.written += written
	rm.consecutiveErrors = 0
	rm.lastError = ""
}

// RecordFailure records a failed job.
func (rm *RunMonitor) RecordFailure(err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastAttempt = time.Now()
	rm.consecutiveErrors++
	if err != nil {
		rm.lastError = err.Error()
	}
}

// IsHealthy returns false once a job has failed. A run aborts on its first
// error, so there is no recovery to wait for.
func (rm *RunMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.healthy()
}

func (rm *RunMonitor) healthy() bool {
	return rm.consecutiveErrors == 0
}

// RunStatus is the run section of the health response.
type RunStatus struct {
	Healthy           bool   `json:"healthy"`
	RunID             string `json:"run_id,omitempty"`
	Site              string `json:"site,omitempty"`
	CurrentJob        string `json:"current_job,omitempty"`
	JobsDone          int    `json:"jobs_done"`
	Written           int64  `json:"written"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current run status for health checks.
func (rm *RunMonitor) Status() RunStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	status := RunStatus{
		Healthy:    rm.healthy(),
		RunID:      rm.runID,
		Site:       rm.site,
		CurrentJob: rm.currentJob,
		JobsDone:   rm.jobsDone,
		Written:    rm.written,
	}

	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(rm.lastSuccess).Round(time.Second).String()
	}

	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}

	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}

	return status
}
