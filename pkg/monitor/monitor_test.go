package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSweepMonitor_RecordSuccess(t *testing.T) {
	m := &SweepMonitor{}
	m.RecordSuccess(12)
	m.RecordSuccess(3)

	status := m.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.Sweeps != 2 || status.Deleted != 15 {
		t.Errorf("Sweeps/Deleted = %d/%d, want 2/15", status.Sweeps, status.Deleted)
	}
	if status.LastSuccess == "" {
		t.Error("LastSuccess should be set")
	}
}

func TestSweepMonitor_RecordFailure(t *testing.T) {
	m := &SweepMonitor{}
	m.RecordFailure(errors.New("store unavailable"))

	status := m.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "store unavailable" {
		t.Errorf("LastError = %q, want %q", status.LastError, "store unavailable")
	}
}

func TestSweepMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*SweepMonitor)
		expected bool
	}{
		{
			name:     "never swept",
			setup:    func(*SweepMonitor) {},
			expected: true,
		},
		{
			name: "three failures",
			setup: func(m *SweepMonitor) {
				for i := 0; i < 3; i++ {
					m.RecordFailure(errors.New("fail"))
				}
			},
			expected: true,
		},
		{
			name: "four failures",
			setup: func(m *SweepMonitor) {
				for i := 0; i < 4; i++ {
					m.RecordFailure(errors.New("fail"))
				}
			},
			expected: false,
		},
		{
			name: "success resets failures",
			setup: func(m *SweepMonitor) {
				for i := 0; i < 5; i++ {
					m.RecordFailure(errors.New("fail"))
				}
				m.RecordSuccess(0)
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &SweepMonitor{}
			tt.setup(m)
			if got := m.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStorageMonitor_GetLimit(t *testing.T) {
	sm := NewStorageMonitor("/tmp", 1024*1024*1024)
	if got := sm.GetLimit(); got != 1024*1024*1024 {
		t.Errorf("GetLimit() = %d, want %d", got, 1024*1024*1024)
	}
}

func TestStorageMonitor_GetUsage(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "sub"), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "sub", "000001.vlog"), []byte("test data"), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	sm := NewStorageMonitor(tmpDir, 0)
	usage, err := sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage != 9 {
		t.Errorf("GetUsage() = %d, want 9", usage)
	}

	// cached
	if err := os.WriteFile(filepath.Join(tmpDir, "more"), []byte("more"), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	usage, err = sm.GetUsage()
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if usage != 9 {
		t.Errorf("GetUsage() = %d, want cached 9", usage)
	}
}

func TestStorageMonitor_MissingDir(t *testing.T) {
	sm := NewStorageMonitor(filepath.Join(t.TempDir(), "absent"), 0)
	if _, err := sm.GetUsage(); err != nil {
		t.Errorf("GetUsage() on a missing dir should report 0, got error %v", err)
	}
}
