package monitor

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDiskCacheDuration bounds how often the data directory is walked.
const DefaultDiskCacheDuration = 10 * time.Second

// DiskUsage is the on-disk footprint of the local storage backend.
type DiskUsage struct {
	UsedBytes   int64   `json:"used_bytes"`
	MaxBytes    int64   `json:"max_bytes"`
	UsedPercent float64 `json:"used_percent"`
	OverLimit   bool    `json:"over_limit"`
}

// DiskMonitor reports the size of a data directory, caching the result
// between walks.
type DiskMonitor struct {
	dataDir       string
	maxBytes      int64
	cacheDuration time.Duration
	now           func() time.Time

	mu          sync.Mutex
	cachedUsage int64
	lastCheck   time.Time
}

// NewDiskMonitor creates a monitor for dataDir. maxBytes <= 0 disables the
// limit.
func NewDiskMonitor(dataDir string, maxBytes int64) *DiskMonitor {
	return &DiskMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: DefaultDiskCacheDuration,
		now:           time.Now,
	}
}

// Usage returns the current footprint.
func (m *DiskMonitor) Usage() (DiskUsage, error) {
	used, err := m.usedBytes()
	if err != nil {
		return DiskUsage{}, err
	}
	u := DiskUsage{UsedBytes: used, MaxBytes: m.maxBytes}
	if m.maxBytes > 0 {
		u.UsedPercent = float64(used) / float64(m.maxBytes) * 100
		u.OverLimit = used >= m.maxBytes
	}
	return u, nil
}

func (m *DiskMonitor) usedBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cacheDuration {
		return m.cachedUsage, nil
	}

	usage, err := dirSize(m.dataDir)
	if err != nil {
		return 0, err
	}
	m.cachedUsage = usage
	m.lastCheck = now
	return usage, nil
}

// dirSize sums allocated (not logical) file sizes so sparse badger value
// logs are counted correctly.
func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if actual, err := allocatedSize(path, info); err == nil {
			size += actual
		} else {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
