package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveErrors is how many sweeps in a row may fail before the
// sweeper reports unhealthy
const maxConsecutiveErrors = 3

// SweepMonitor tracks retention sweep health and failures.
// Sweeps only run when data arrives, so a monitor that has never seen a
// sweep is healthy.
type SweepMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	sweeps            int64
	deleted           int64
}

// RecordSuccess records a completed sweep and how many records it removed.
func (m *SweepMonitor) RecordSuccess(deleted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
	m.sweeps++
	m.deleted += int64(deleted)
}

// RecordFailure records a failed sweep.
func (m *SweepMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	m.sweeps++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy reports false after more than three consecutive failures.
func (m *SweepMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy()
}

func (m *SweepMonitor) healthy() bool {
	return m.consecutiveErrors <= maxConsecutiveErrors
}

// SweepStatus is the health check view of a SweepMonitor
type SweepStatus struct {
	Healthy           bool   `json:"healthy"`
	Sweeps            int64  `json:"sweeps"`
	Deleted           int64  `json:"deleted"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current sweep status for health checks.
func (m *SweepMonitor) Status() SweepStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := SweepStatus{
		Healthy: m.healthy(),
		Sweeps:  m.sweeps,
		Deleted: m.deleted,
	}
	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(m.lastSuccess).Round(time.Second).String()
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
