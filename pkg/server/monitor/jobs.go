package monitor

import (
	"sync"
	"time"
)

// MaxConsecutiveFailures is how many failures in a row a job may have
// before it is reported unhealthy.
const MaxConsecutiveFailures = 3

// JobMonitor tracks the health of a recurring job: the per-uplink
// aggregate update or the periodic reconcile pass.
type JobMonitor struct {
	name       string
	staleAfter time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	successes         int64
	failures          int64
	consecutiveErrors int
	lastError         string
	now               func() time.Time
}

// NewJobMonitor creates a monitor for name. A job that has succeeded before
// but not within staleAfter is unhealthy; zero disables the check.
func NewJobMonitor(name string, staleAfter time.Duration) *JobMonitor {
	return &JobMonitor{name: name, staleAfter: staleAfter, now: time.Now}
}

// RecordSuccess records a successful run.
func (m *JobMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.successes++
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed run.
func (m *JobMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = m.now()
	m.failures++
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns true if the job is working.
// Unhealthy conditions:
//   - Attempted but never succeeded
//   - No success within staleAfter
//   - More than MaxConsecutiveFailures failures in a row
//
// A job that has never run is healthy.
func (m *JobMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *JobMonitor) healthyLocked() bool {
	if m.lastAttempt.IsZero() {
		return true
	}
	if m.lastSuccess.IsZero() {
		return false
	}
	if m.staleAfter > 0 && m.now().Sub(m.lastSuccess) > m.staleAfter {
		return false
	}
	return m.consecutiveErrors <= MaxConsecutiveFailures
}

// JobStatus is a job's state for health checks.
type JobStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Successes         int64  `json:"successes"`
	Failures          int64  `json:"failures"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current job status.
func (m *JobMonitor) Status() JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := JobStatus{
		Name:      m.name,
		Healthy:   m.healthyLocked(),
		Successes: m.successes,
		Failures:  m.failures,
	}

	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = m.now().Sub(m.lastSuccess).Round(time.Second).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}
	return status
}
