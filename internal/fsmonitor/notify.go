package fsmonitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/steveyegge/conveyor/internal/snapshot"
)

// NotifyMonitor watches directories with fsnotify.
//
// fsnotify watches are not recursive, so every directory beneath a
// monitored root gets its own watch, and directories created later are
// added as they appear. Native events also update the snapshot so that
// the catch-up scan on the next start only reports what was truly missed.
type NotifyMonitor struct {
	cfg     Config
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	roots   map[string]Event
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewNotifyMonitor creates an fsnotify backend.
// The monitor must be started with Start() before it will emit live events.
func NewNotifyMonitor(cfg Config) (*NotifyMonitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &NotifyMonitor{
		cfg:     cfg,
		watcher: watcher,
		roots:   make(map[string]Event),
	}, nil
}

// AddDir watches path recursively, then runs the one-time catch-up scan
// that reports every change made since the snapshot was last updated.
// The snapshot is seeded silently the first time a path is added.
func (m *NotifyMonitor) AddDir(path string, mask Event) error {
	path = filepath.Clean(path)

	if err := m.watchTree(path); err != nil {
		return err
	}

	m.mu.Lock()
	m.roots[path] = mask
	m.mu.Unlock()

	ok, err := m.cfg.Scanner.HasData(path)
	if err != nil {
		return err
	}
	if !ok {
		if err := m.cfg.Scanner.InitialScan(path); err != nil {
			return fmt.Errorf("failed initial scan of %s: %w", path, err)
		}
		m.cfg.Logger.WithField("path", path).Info("Seeded snapshot")
		return nil
	}

	if err := m.scan(path, path, mask, ThroughPersistentScan); err != nil {
		return fmt.Errorf("failed catch-up scan of %s: %w", path, err)
	}
	m.cfg.Logger.WithField("path", path).Debug("Catch-up scan complete")
	return nil
}

// RemoveDir stops watching path and everything beneath it.
func (m *NotifyMonitor) RemoveDir(path string) error {
	path = filepath.Clean(path)

	m.mu.Lock()
	delete(m.roots, path)
	m.mu.Unlock()

	for _, w := range m.watcher.WatchList() {
		if within(path, w) {
			// The watch may already be gone if the directory was removed.
			_ = m.watcher.Remove(w)
		}
	}
	return nil
}

// Start begins processing native events.
func (m *NotifyMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.done = make(chan struct{})

	m.wg.Add(1)
	go m.processEvents()
	return nil
}

// Stop stops processing events and releases the native watcher.
// It blocks until the event processing goroutine has exited.
func (m *NotifyMonitor) Stop() error {
	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	if wasRunning {
		close(m.done)
	}
	m.mu.Unlock()

	// Closing the watcher unblocks the event loop.
	if err := m.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	m.wg.Wait()
	return nil
}

func (m *NotifyMonitor) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handle(event)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.resync()
				continue
			}
			m.cfg.Logger.WithError(err).Warn("File watcher error")
		}
	}
}

// handle converts one native event into snapshot updates and callbacks.
func (m *NotifyMonitor) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	root, mask, ok := m.rootFor(path)
	if !ok || ignoredBetween(m.cfg.Scanner, root, path) {
		return
	}
	log := m.cfg.Logger.WithField("path", path)

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if path == root {
			log.Error("Monitored directory moved or removed")
			m.RemoveDir(root)
			if mask.Has(MonitoredDirMoved) {
				m.cfg.Callback(root, root, MonitoredDirMoved, ThroughNative)
			}
			return
		}
		removed, err := m.cfg.Scanner.Forget(path)
		if err != nil {
			log.WithError(err).Warn("Failed to update snapshot")
		}
		if mask.Has(Deleted) {
			for _, p := range removed {
				m.cfg.Callback(root, p, Deleted, ThroughNative)
			}
		}

	case event.Has(fsnotify.Create):
		fi, err := m.cfg.Scanner.FS().Stat(path)
		if err != nil {
			// Gone again before we got to it; the remove event follows.
			return
		}
		if fi.IsDir() {
			if err := m.watchTree(path); err != nil {
				log.WithError(err).Warn("Failed to watch new directory")
			}
			if err := m.cfg.Scanner.Record(path); err != nil {
				log.WithError(err).Warn("Failed to update snapshot")
			}
			// Files may have landed before the watch was in place.
			if err := m.scan(root, path, mask, ThroughNative); err != nil {
				log.WithError(err).Warn("Failed to scan new directory")
			}
			return
		}
		m.record(root, path, mask, Created)

	case event.Has(fsnotify.Write):
		m.record(root, path, mask, Modified)
	}
}

func (m *NotifyMonitor) record(root, path string, mask Event, ev Event) {
	if err := m.cfg.Scanner.Record(path); err != nil {
		m.cfg.Logger.WithField("path", path).WithError(err).Warn("Failed to update snapshot")
	}
	if mask.Has(ev) {
		m.cfg.Callback(root, path, ev, ThroughNative)
	}
}

// resync reports the overflow and reconciles every root against the snapshot.
func (m *NotifyMonitor) resync() {
	m.mu.Lock()
	roots := make([]string, 0, len(m.roots))
	masks := make(map[string]Event, len(m.roots))
	for r, mask := range m.roots {
		roots = append(roots, r)
		masks[r] = mask
	}
	m.mu.Unlock()
	sort.Strings(roots)

	for _, root := range roots {
		m.cfg.Logger.WithField("path", root).Warn("File watcher overflowed, resyncing")
		if masks[root].Has(DroppedEvents) {
			m.cfg.Callback(root, root, DroppedEvents, ThroughNative)
		}
		if err := m.scan(root, root, masks[root], ThroughOverflowResync); err != nil {
			m.cfg.Logger.WithField("path", root).WithError(err).Warn("Resync failed")
		}
	}
}

func (m *NotifyMonitor) scan(root, dir string, mask Event, through string) error {
	return m.cfg.Scanner.ScanTree(dir, func(d string, diff snapshot.Diff) error {
		emitDiff(m.cfg.Callback, root, d, diff, mask, through)
		return nil
	})
}

// watchTree adds a watch for dir and every non-ignored directory beneath it.
func (m *NotifyMonitor) watchTree(dir string) error {
	return afero.Walk(m.cfg.Scanner.FS(), dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p != dir && os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to walk %s: %w", p, err)
		}
		if !info.IsDir() {
			return nil
		}
		if p != dir && m.cfg.Scanner.IsIgnored(info.Name()) {
			return filepath.SkipDir
		}
		if err := m.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", p, err)
		}
		return nil
	})
}

// rootFor returns the deepest monitored root containing path.
func (m *NotifyMonitor) rootFor(path string) (string, Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best string
		mask Event
	)
	for root, mk := range m.roots {
		if within(root, path) && len(root) > len(best) {
			best, mask = root, mk
		}
	}
	return best, mask, best != ""
}
