// Command conveyor watches source directories and syncs every change to
// the configured destination servers.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/conveyor/internal/config"
	"github.com/steveyegge/conveyor/internal/logging"

	// Built-in processors and transporters.
	_ "github.com/steveyegge/conveyor/internal/processor/filename"
	_ "github.com/steveyegge/conveyor/internal/processor/linkupdater"
	_ "github.com/steveyegge/conveyor/internal/transporter/gcs"
	_ "github.com/steveyegge/conveyor/internal/transporter/mirror"
)

var (
	configPath string

	// Set by the root command before any subcommand runs.
	v         *viper.Viper
	logger    *logrus.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Crash-safe file sync to multiple destinations",
	Long: `Conveyor watches source directories, optionally processes changed files,
and delivers them to every configured destination server.

Progress is kept in a state database, so a restart resumes exactly where
the previous run stopped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.NewViper(cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to read settings: %w", err)
		}

		opts := logging.DefaultOptions()
		opts.Level = v.GetString(config.KeyLogLevel)
		opts.File = v.GetString(config.KeyLogFile)
		opts.JSON = v.GetBool(config.KeyLogJSON)
		logger, logCloser, err = logging.New(opts)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// loadConfig reads the configuration file and applies flag and
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(v)
	return cfg, nil
}

// mustLoadConfig is loadConfig for commands that cannot continue without
// a valid configuration.
func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	return cfg
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "conveyor.yaml", "Configuration file (.yaml, .yml or .toml)")
	flags.String(config.KeyStateDir, "", "Override settings.stateDir")
	flags.String(config.KeyWorkingDir, "", "Override settings.workingDir")
	flags.Int(config.KeyMaxInFlight, 0, "Override settings.maxInFlight")
	flags.String(config.KeyMonitor, "", "Override settings.monitor (fsnotify or polling)")
	flags.Int(config.KeyDashboardPort, 0, "Override settings.dashboardPort")
	flags.String(config.KeyLogLevel, "info", "Log level (debug, info, warn, error)")
	flags.String(config.KeyLogFile, "", "Write logs to this file, rotated by size")
	flags.Bool(config.KeyLogJSON, false, "Log in JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
