package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/steveyegge/conveyor/internal/filter"
	"github.com/steveyegge/conveyor/internal/fsmonitor"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap returns ErrInvalid.
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Validate checks the configuration against the OS file system.
func (c *Config) Validate() error {
	return c.ValidateFS(afero.NewOsFs())
}

// ValidateFS checks the configuration. All problems are reported at once,
// joined; errors.Is(err, ErrInvalid) holds for the result.
func (c *Config) ValidateFS(fs afero.Fs) error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	s := c.Settings
	if s.StateDir == "" {
		invalid("settings.stateDir", "must be set")
	}
	positive := []struct {
		field string
		value int
	}{
		{"settings.maxInFlight", s.MaxInFlight},
		{"settings.maxConcurrentChains", s.MaxConcurrentChains},
		{"settings.maxConcurrentTransporters", s.MaxConcurrentTransporters},
		{"settings.maxQueuedPerWorker", s.MaxQueuedPerWorker},
		{"settings.retryBatchSize", s.RetryBatchSize},
		{"settings.queueWindow", s.QueueWindow},
	}
	for _, p := range positive {
		if p.value <= 0 {
			invalid(p.field, "must be greater than zero, got %d", p.value)
		}
	}
	durations := []struct {
		field string
		value Duration
	}{
		{"settings.retryInterval", s.RetryInterval},
		{"settings.tickInterval", s.TickInterval},
		{"settings.scanInterval", s.ScanInterval},
		{"settings.workerIdleTimeout", s.WorkerIdleTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			invalid(d.field, "must be a positive duration")
		}
	}
	if s.Monitor != fsmonitor.BackendFsnotify && s.Monitor != fsmonitor.BackendPolling {
		invalid("settings.monitor", "must be %q or %q, got %q", fsmonitor.BackendFsnotify, fsmonitor.BackendPolling, s.Monitor)
	}
	if s.DashboardPort < 0 || s.DashboardPort > 65535 {
		invalid("settings.dashboardPort", "out of range: %d", s.DashboardPort)
	}

	servers := make(map[string]bool, len(c.Servers))
	linking := make(map[string]bool)
	for i, srv := range c.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		switch {
		case srv.Name == "":
			invalid(field+".name", "must be set")
		case servers[srv.Name]:
			invalid(field+".name", "duplicate server %q", srv.Name)
		}
		servers[srv.Name] = true
		if srv.Transporter == "" {
			invalid(field+".transporter", "must be set")
		}
		if srv.MaxConnections <= 0 {
			invalid(field+".maxConnections", "must be greater than zero, got %d", srv.MaxConnections)
		}
		if srv.Transporter == "mirror" && srv.Settings["symlink"] == "true" {
			linking[srv.Name] = true
		}
	}

	if len(c.Sources) == 0 {
		invalid("sources", "at least one source is required")
	}
	sources := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		switch {
		case src.Name == "":
			invalid(field+".name", "must be set")
		case sources[src.Name]:
			invalid(field+".name", "duplicate source %q", src.Name)
		}
		sources[src.Name] = true

		if !filepath.IsAbs(src.ScanPath) {
			invalid(field+".scanPath", "must be absolute, got %q", src.ScanPath)
		} else if ok, err := afero.DirExists(fs, src.ScanPath); err != nil || !ok {
			invalid(field+".scanPath", "directory %s does not exist", src.ScanPath)
		}

		if len(src.Rules) == 0 {
			invalid(field+".rules", "at least one rule is required")
		}
		for j, rule := range src.Rules {
			rf := fmt.Sprintf("%s.rules[%d]", field, j)
			if rule.Label == "" {
				invalid(rf+".label", "must be set")
			}
			if rule.Filter != nil {
				if _, err := filter.New(*rule.Filter, fs); err != nil {
					invalid(rf+".filterConditions", "%v", err)
				}
			}
			if len(rule.Destinations) == 0 {
				invalid(rf+".destinations", "at least one destination is required")
			}
			for server := range rule.Destinations {
				if !servers[server] {
					invalid(rf+".destinations", "unknown server %q", server)
				}
				// A link would point at a processor output or a source
				// file that is removed after sync.
				if linking[server] && (len(rule.ProcessorChain) > 0 || rule.FileDeletionDelayAfterSync != nil) {
					invalid(rf+".destinations", "server %q links files and cannot receive processed or deleted files", server)
				}
			}
			if d := rule.FileDeletionDelayAfterSync; d != nil && *d < 0 {
				invalid(rf+".fileDeletionDelayAfterSync", "must not be negative, got %d", *d)
			}
		}
	}

	return errors.Join(errs...)
}
