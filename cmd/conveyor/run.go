package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danjacques/gofslock/fslock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/conveyor/internal/arbitrator"
	"github.com/steveyegge/conveyor/internal/config"
	"github.com/steveyegge/conveyor/internal/dashboard"
	"github.com/steveyegge/conveyor/internal/persist"
	"github.com/steveyegge/conveyor/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon in the foreground until interrupted.

On start, items that an interrupted run left in flight are put back at the
head of the queue. On SIGINT or SIGTERM, admission stops and in-flight
items get up to settings.stopTimeout to finish; anything left over
resumes on the next start.

Only one daemon can use a state directory at a time.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := runDaemon(ctx, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// lockState takes the state directory's instance lock.
func lockState(cfg *config.Config) (fslock.Handle, error) {
	if err := os.MkdirAll(cfg.Settings.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	lock, err := fslock.Lock(cfg.Settings.LockPath())
	if errors.Is(err, fslock.ErrLockHeld) {
		return nil, fmt.Errorf("another conveyor is using %s", cfg.Settings.StateDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock state directory: %w", err)
	}
	return lock, nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	lock, err := lockState(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	db, err := persist.Open(cfg.Settings.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	opts := arbitrator.Options{
		Config: cfg,
		DB:     db,
		Logger: logger,
	}

	var board *dashboard.Server
	if port := cfg.Settings.DashboardPort; port != 0 {
		board = dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
		opts.Observer = dashboard.NewHandler(board, logger)
	}

	arb, err := arbitrator.New(opts)
	if err != nil {
		return err
	}

	fmt.Printf("%s Syncing %d source(s) to %d server(s)\n",
		ui.RenderPass("✓"), len(cfg.Sources), len(cfg.Servers))
	if board != nil {
		fmt.Printf("  Dashboard: %s\n", ui.RenderAccent(fmt.Sprintf("http://localhost:%d", cfg.Settings.DashboardPort)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return arb.Run(gctx)
	})
	if board != nil {
		g.Go(func() error {
			return board.Serve(gctx)
		})
	}
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(runCmd)
}
