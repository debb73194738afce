package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageMonitor reports the size of an on-disk store's data directory,
// caching the result to avoid walking the directory on every request.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a monitor for dataDir. maxBytes of 0 means no limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns the data directory size in bytes, refreshed at most every 10 seconds.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := dirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// DataDir returns the monitored directory
func (sm *StorageMonitor) DataDir() string {
	return sm.dataDir
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// badger removes value log files while we walk
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
