package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskMonitor reports how much disk the local state uses (checkpoint store,
// badger sink). Results are cached since walking badger's directory is
// not free.
type DiskMonitor struct {
	dirs          []string
	cachedUsage   map[string]int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewDiskMonitor creates a monitor over the given directories. Empty paths
// (in-memory stores) are skipped.
func NewDiskMonitor(cacheDuration time.Duration, dirs ...string) *DiskMonitor {
	var kept []string
	for _, d := range dirs {
		if d != "" {
			kept = append(kept, d)
		}
	}
	return &DiskMonitor{
		dirs:          kept,
		cacheDuration: cacheDuration,
	}
}

// Usage returns bytes used per directory. A directory that does not exist
// yet reports zero.
func (dm *DiskMonitor) Usage() (map[string]int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.cachedUsage != nil && time.Since(dm.lastCheck) < dm.cacheDuration {
		return copyUsage(dm.cachedUsage), nil
	}

	usage := make(map[string]int64, len(dm.dirs))
	for _, dir := range dm.dirs {
		size, err := calculateDirSize(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				usage[dir] = 0
				continue
			}
			return nil, err
		}
		usage[dir] = size
	}

	dm.cachedUsage = usage
	dm.lastCheck = time.Now()
	return copyUsage(usage), nil
}

func copyUsage(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// calculateDirSize recursively sums actual disk usage, not logical size, so
// sparse value log files are counted correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}
