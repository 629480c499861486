// Package fsmonitor provides file system event sources for the pipeline.
//
// Every backend reports changes through a single Callback and keeps a
// persistent snapshot (see package snapshot) current, so that changes made
// while the daemon was not running are synthesized on startup before the
// live stream is trusted.
//
// Two backends are available:
//
//   - "fsnotify": native notifications with a one-time catch-up scan per
//     monitored directory and a resync after event overflow.
//   - "polling": periodic ScanTree of every monitored directory.
package fsmonitor

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/conveyor/internal/snapshot"
)

// Values passed as discoveredThrough to a Callback.
const (
	ThroughNative         = "fsnotify"
	ThroughPersistentScan = "persistent_scan"
	ThroughScan           = "scan"
	ThroughOverflowResync = "overflow_resync"
)

// Backend names accepted by New.
const (
	BackendFsnotify = "fsnotify"
	BackendPolling  = "polling"
)

// DefaultScanInterval is the polling interval used when Config.Interval is zero.
const DefaultScanInterval = 10 * time.Second

// Callback receives file system events. monitoredPath is the root passed
// to AddDir, eventPath the file that changed. Callbacks are invoked from
// the backend's goroutine (or from AddDir during catch-up).
type Callback func(monitoredPath, eventPath string, event Event, discoveredThrough string)

// Monitor is implemented by every event source backend.
type Monitor interface {
	// AddDir starts monitoring path (recursively) for the events in mask.
	AddDir(path string, mask Event) error
	// RemoveDir stops monitoring path. Recorded snapshot state is kept so
	// that a later AddDir can catch up.
	RemoveDir(path string) error
	// Start begins delivering events.
	Start() error
	// Stop stops delivering events and waits for the backend to exit.
	Stop() error
}

// Config configures a Monitor.
type Config struct {
	// Scanner holds the persistent snapshot. Required.
	Scanner *snapshot.Scanner
	// Callback receives events. Required.
	Callback Callback
	// Interval is the polling interval (polling backend only).
	Interval time.Duration
	// Clock drives the polling ticker. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger defaults to the standard logrus logger.
	Logger *logrus.Logger
}

func (c *Config) validate() error {
	if c.Scanner == nil {
		return fmt.Errorf("scanner is required")
	}
	if c.Callback == nil {
		return fmt.Errorf("callback is required")
	}
	if c.Interval <= 0 {
		c.Interval = DefaultScanInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return nil
}

// New returns the named backend.
func New(backend string, cfg Config) (Monitor, error) {
	switch backend {
	case BackendFsnotify, "":
		return NewNotifyMonitor(cfg)
	case BackendPolling:
		return NewPollingMonitor(cfg)
	default:
		return nil, fmt.Errorf("unknown monitor backend %q", backend)
	}
}

// emitDiff reports the file entries of a directory diff. Directory entries
// are never reported: a directory's contents are reported individually.
func emitDiff(cb Callback, root, dir string, diff snapshot.Diff, mask Event, through string) {
	groups := []struct {
		entries []snapshot.Entry
		event   Event
	}{
		{diff.Created, Created},
		{diff.Modified, Modified},
		{diff.Deleted, Deleted},
	}
	for _, g := range groups {
		if !mask.Has(g.event) {
			continue
		}
		for _, e := range g.entries {
			if e.IsDir {
				continue
			}
			cb(root, filepath.Join(dir, e.Name), g.event, through)
		}
	}
}

// within reports whether path is root or lies beneath it.
func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// ignoredBetween reports whether any directory between root and path
// (inclusive of path) is on the scanner's ignore list.
func ignoredBetween(s *snapshot.Scanner, root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if s.IsIgnored(part) {
			return true
		}
	}
	return false
}
