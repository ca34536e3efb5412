package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobMonitor_RecordSuccess(t *testing.T) {
	m := NewJobMonitor("aggregation", 0)
	m.RecordFailure(errors.New("lock timeout"))
	m.RecordSuccess()

	status := m.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, "aggregation", status.Name)
	assert.Equal(t, int64(1), status.Successes)
	assert.Equal(t, int64(1), status.Failures)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Empty(t, status.LastError)
	assert.NotEmpty(t, status.LastSuccess)
}

func TestJobMonitor_RecordFailure(t *testing.T) {
	m := NewJobMonitor("reconcile", time.Hour)
	m.RecordFailure(errors.New("disk full"))

	status := m.Status()
	assert.Equal(t, 1, status.ConsecutiveErrors)
	assert.Equal(t, "disk full", status.LastError)
	assert.Empty(t, status.LastSuccess)
}

func TestJobMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*JobMonitor)
		expected bool
	}{
		{
			name:     "never ran",
			setup:    func(*JobMonitor) {},
			expected: true,
		},
		{
			name: "never succeeded",
			setup: func(m *JobMonitor) {
				m.RecordFailure(errors.New("boom"))
			},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(m *JobMonitor) {
				m.RecordSuccess()
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(m *JobMonitor) {
				m.RecordSuccess()
				m.mu.Lock()
				m.lastSuccess = time.Now().Add(-3 * time.Hour)
				m.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "tolerated failures",
			setup: func(m *JobMonitor) {
				m.RecordSuccess()
				for i := 0; i < MaxConsecutiveFailures; i++ {
					m.RecordFailure(errors.New("transient"))
				}
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *JobMonitor) {
				m.RecordSuccess()
				for i := 0; i <= MaxConsecutiveFailures; i++ {
					m.RecordFailure(errors.New("transient"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewJobMonitor("reconcile", 2*time.Hour)
			tt.setup(m)
			assert.Equal(t, tt.expected, m.IsHealthy())
			assert.Equal(t, tt.expected, m.Status().Healthy)
		})
	}
}

func TestJobMonitor_NoStalenessWhenDisabled(t *testing.T) {
	m := NewJobMonitor("aggregation", 0)
	m.RecordSuccess()
	m.mu.Lock()
	m.lastSuccess = time.Now().Add(-48 * time.Hour)
	m.mu.Unlock()

	assert.True(t, m.IsHealthy())
}
