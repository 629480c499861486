package fsmonitor

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/steveyegge/conveyor/internal/snapshot"
)

// PollingMonitor reconciles monitored directories against the snapshot on
// a fixed interval. It needs no native support and works on any file
// system the Scanner can list.
type PollingMonitor struct {
	cfg Config

	mu      sync.Mutex
	dirs    map[string]Event
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	// pollMu serializes polls so a manual Poll never races the ticker.
	pollMu sync.Mutex
}

// NewPollingMonitor creates a polling backend.
func NewPollingMonitor(cfg Config) (*PollingMonitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	return &PollingMonitor{
		cfg:  cfg,
		dirs: make(map[string]Event),
	}, nil
}

// AddDir seeds the snapshot for path (once) and starts polling it.
func (m *PollingMonitor) AddDir(path string, mask Event) error {
	path = filepath.Clean(path)
	if err := m.cfg.Scanner.InitialScan(path); err != nil {
		return fmt.Errorf("failed initial scan of %s: %w", path, err)
	}

	m.mu.Lock()
	m.dirs[path] = mask
	m.mu.Unlock()

	m.cfg.Logger.WithField("path", path).Debug("Polling directory")
	return nil
}

// RemoveDir stops polling path.
func (m *PollingMonitor) RemoveDir(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirs, filepath.Clean(path))
	return nil
}

// Start begins polling on the configured interval.
func (m *PollingMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.done = make(chan struct{})

	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-m.done:
				return
			case <-ticker.Chan():
				if err := m.Poll(); err != nil {
					m.cfg.Logger.WithError(err).Warn("Poll failed")
				}
			}
		}
	}()
	return nil
}

// Stop stops polling and waits for an in-progress poll to finish.
func (m *PollingMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Poll scans every monitored directory once and reports the differences.
// A monitored root that no longer exists is reported as MonitoredDirMoved
// and dropped from the poll set.
func (m *PollingMonitor) Poll() error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.mu.Lock()
	roots := make([]string, 0, len(m.dirs))
	masks := make(map[string]Event, len(m.dirs))
	for root, mask := range m.dirs {
		roots = append(roots, root)
		masks[root] = mask
	}
	m.mu.Unlock()
	sort.Strings(roots)

	for _, root := range roots {
		mask := masks[root]
		if ok, err := m.cfg.Scanner.Exists(root); err == nil && !ok {
			m.cfg.Logger.WithField("path", root).Error("Monitored directory disappeared")
			m.RemoveDir(root)
			if mask.Has(MonitoredDirMoved) {
				m.cfg.Callback(root, root, MonitoredDirMoved, ThroughScan)
			}
			continue
		}

		err := m.cfg.Scanner.ScanTree(root, func(dir string, diff snapshot.Diff) error {
			emitDiff(m.cfg.Callback, root, dir, diff, mask, ThroughScan)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", root, err)
		}
	}
	return nil
}
