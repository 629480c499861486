package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/conveyor/internal/arbitrator"
	"github.com/steveyegge/conveyor/internal/config"
	"github.com/steveyegge/conveyor/internal/persist"
	"github.com/steveyegge/conveyor/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted pipeline state",
	Long: `Show the persisted pipeline state: queued, in-flight, failed and
scheduled items, and how many files each server has received.

This reads the state database and works whether or not the daemon runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		db, stores, err := openState(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		synced, err := stores.Synced.CountByServer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.RenderHeader("Pipeline"))
		fmt.Println(ui.RenderRow("Queued", humanize.Comma(int64(stores.Queue.Len()))))
		fmt.Println(ui.RenderRow("In flight", humanize.Comma(int64(stores.Admitted.Len()))))
		failed := humanize.Comma(int64(stores.Failed.Len()))
		if stores.Failed.Len() > 0 {
			failed = ui.RenderWarn(failed)
		}
		fmt.Println(ui.RenderRow("Failed", failed))
		fmt.Println(ui.RenderRow("Scheduled deletions", humanize.Comma(int64(stores.Scheduled.Len()))))

		if info, err := os.Stat(cfg.Settings.DatabasePath()); err == nil {
			fmt.Println(ui.RenderRow("State database", fmt.Sprintf("%s %s",
				humanize.IBytes(uint64(info.Size())),
				ui.RenderMuted("(modified "+humanize.Time(info.ModTime())+")"))))
		}

		fmt.Println()
		fmt.Println(ui.RenderHeader("Synced files"))
		names := make([]string, 0, len(cfg.Servers))
		for _, srv := range cfg.Servers {
			names = append(names, srv.Name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(ui.RenderRow(name, humanize.Comma(int64(synced[name]))))
		}
	},
}

// openState opens the state database and its stores.
func openState(cfg *config.Config) (*persist.DB, *arbitrator.Stores, error) {
	db, err := persist.Open(cfg.Settings.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	stores, err := arbitrator.OpenStores(db, cfg.Settings.QueueWindow)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, stores, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
