// Package config loads and validates the daemon configuration.
//
// A configuration file is YAML (.yaml, .yml) or TOML (.toml) and has three
// sections: settings (pipeline limits and paths), sources (watched roots
// and their rules) and servers (delivery destinations). Settings can be
// overridden from CONVEYOR_* environment variables and command line flags
// through viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/conveyor/internal/filter"
)

// Duration is a time.Duration that decodes from strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings holds the pipeline-wide limits and paths.
type Settings struct {
	// StateDir holds the state database and the instance lock.
	StateDir string `yaml:"stateDir" toml:"stateDir"`
	// WorkingDir holds processor outputs. Defaults to StateDir/work.
	WorkingDir string `yaml:"workingDir" toml:"workingDir"`

	// MaxInFlight caps the number of admitted (path, event) items.
	MaxInFlight int `yaml:"maxInFlight" toml:"maxInFlight"`
	// MaxConcurrentChains caps concurrently running processor chains.
	MaxConcurrentChains int `yaml:"maxConcurrentChains" toml:"maxConcurrentChains"`
	// MaxConcurrentTransporters caps live transporter workers across all servers.
	MaxConcurrentTransporters int `yaml:"maxConcurrentTransporters" toml:"maxConcurrentTransporters"`
	// MaxQueuedPerWorker caps the jobs waiting behind a worker's running job.
	MaxQueuedPerWorker int `yaml:"maxQueuedPerWorker" toml:"maxQueuedPerWorker"`
	// WorkerIdleTimeout is how long an idle worker lives before it is stopped.
	WorkerIdleTimeout Duration `yaml:"workerIdleTimeout" toml:"workerIdleTimeout"`

	// RetryInterval is how often failed items are re-admitted.
	RetryInterval Duration `yaml:"retryInterval" toml:"retryInterval"`
	// RetryBatchSize caps the failed items re-admitted at once.
	RetryBatchSize int `yaml:"retryBatchSize" toml:"retryBatchSize"`

	// TickInterval is the scheduler period.
	TickInterval Duration `yaml:"tickInterval" toml:"tickInterval"`
	// ScanInterval is the polling monitor period.
	ScanInterval Duration `yaml:"scanInterval" toml:"scanInterval"`
	// StopTimeout bounds how long a stop waits for in-flight work.
	StopTimeout Duration `yaml:"stopTimeout" toml:"stopTimeout"`

	// Monitor selects the event source backend: fsnotify or polling.
	Monitor string `yaml:"monitor" toml:"monitor"`
	// IgnoredDirs are directory names that never generate events.
	IgnoredDirs []string `yaml:"ignoredDirs" toml:"ignoredDirs"`
	// QueueWindow is the in-memory window of the pipeline queue.
	QueueWindow int `yaml:"queueWindow" toml:"queueWindow"`
	// DashboardPort enables the dashboard when non-zero.
	DashboardPort int `yaml:"dashboardPort" toml:"dashboardPort"`
}

// Rule says which files to process and where to deliver them.
type Rule struct {
	Label string `yaml:"label" toml:"label"`
	// Filter is nil when the rule matches every file of its source.
	Filter *filter.Conditions `yaml:"filterConditions,omitempty" toml:"filterConditions,omitempty"`
	// ProcessorChain lists processor names applied in order.
	ProcessorChain []string `yaml:"processorChain,omitempty" toml:"processorChain,omitempty"`
	// Destinations maps server names to a path on that server.
	Destinations map[string]string `yaml:"destinations" toml:"destinations"`
	// FileDeletionDelayAfterSync is nil to keep source files, 0 to delete
	// them right after sync, or a delay in seconds.
	FileDeletionDelayAfterSync *int `yaml:"fileDeletionDelayAfterSync,omitempty" toml:"fileDeletionDelayAfterSync,omitempty"`
}

// DeletionDelay returns the configured delay and whether deletion is enabled.
func (r Rule) DeletionDelay() (time.Duration, bool) {
	if r.FileDeletionDelayAfterSync == nil {
		return 0, false
	}
	return time.Duration(*r.FileDeletionDelayAfterSync) * time.Second, true
}

// Source is a watched root directory.
type Source struct {
	Name         string `yaml:"name" toml:"name"`
	ScanPath     string `yaml:"scanPath" toml:"scanPath"`
	DocumentRoot string `yaml:"documentRoot,omitempty" toml:"documentRoot,omitempty"`
	BasePath     string `yaml:"basePath,omitempty" toml:"basePath,omitempty"`
	Rules        []Rule `yaml:"rules" toml:"rules"`
}

// Contains reports whether path lies inside the source's scan path.
func (s Source) Contains(path string) bool {
	root := filepath.Clean(s.ScanPath)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// Server is a delivery destination.
type Server struct {
	Name           string            `yaml:"name" toml:"name"`
	Transporter    string            `yaml:"transporter" toml:"transporter"`
	MaxConnections int               `yaml:"maxConnections" toml:"maxConnections"`
	Settings       map[string]string `yaml:"settings" toml:"settings"`
}

// Config is the complete daemon configuration.
type Config struct {
	Settings Settings `yaml:"settings" toml:"settings"`
	Sources  []Source `yaml:"sources" toml:"sources"`
	Servers  []Server `yaml:"servers" toml:"servers"`
}

// Default values.
const (
	DefaultMaxInFlight               = 50
	DefaultMaxConcurrentChains       = 4
	DefaultMaxConcurrentTransporters = 10
	DefaultMaxQueuedPerWorker        = 5
	DefaultMaxConnections            = 2
	DefaultRetryBatchSize            = 20
	DefaultQueueWindow               = 100
	DefaultMonitor                   = "fsnotify"
)

// DefaultConfig returns a configuration with every setting at its default.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			StateDir:                  ".conveyor",
			MaxInFlight:               DefaultMaxInFlight,
			MaxConcurrentChains:       DefaultMaxConcurrentChains,
			MaxConcurrentTransporters: DefaultMaxConcurrentTransporters,
			MaxQueuedPerWorker:        DefaultMaxQueuedPerWorker,
			WorkerIdleTimeout:         Duration(time.Minute),
			RetryInterval:             Duration(30 * time.Second),
			RetryBatchSize:            DefaultRetryBatchSize,
			TickInterval:              Duration(200 * time.Millisecond),
			ScanInterval:              Duration(10 * time.Second),
			StopTimeout:               Duration(30 * time.Second),
			Monitor:                   DefaultMonitor,
			IgnoredDirs:               []string{".git", ".svn", "CVS"},
			QueueWindow:               DefaultQueueWindow,
		},
	}
}

// Load reads the configuration file at path. The format is chosen by
// extension. Relative state and working directories are resolved against
// the file's directory. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.Settings.StateDir = resolve(base, cfg.Settings.StateDir)
	cfg.Settings.WorkingDir = resolve(base, cfg.Settings.WorkingDir)
	return cfg, nil
}

// Parse decodes data in the given format (".yaml", ".yml" or ".toml") on
// top of DefaultConfig. Unknown keys are rejected.
func Parse(data []byte, format string) (*Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse TOML: unknown keys %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}

	for i := range cfg.Sources {
		cfg.Sources[i].ScanPath = filepath.Clean(cfg.Sources[i].ScanPath)
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].MaxConnections == 0 {
			cfg.Servers[i].MaxConnections = DefaultMaxConnections
		}
	}
	return cfg, nil
}

// Server returns the server called name.
func (c *Config) Server(name string) (Server, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// EffectiveWorkingDir returns WorkingDir, defaulting to StateDir/work.
func (s Settings) EffectiveWorkingDir() string {
	if s.WorkingDir != "" {
		return s.WorkingDir
	}
	return filepath.Join(s.StateDir, "work")
}

// DatabasePath returns the state database location.
func (s Settings) DatabasePath() string {
	return filepath.Join(s.StateDir, "conveyor.db")
}

// LockPath returns the single-instance lock location.
func (s Settings) LockPath() string {
	return filepath.Join(s.StateDir, "conveyor.lock")
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
