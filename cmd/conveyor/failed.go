package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/conveyor/internal/ui"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect and manage failed items",
	Long: `Inspect and manage items that failed to sync.

The daemon retries failed items on its own. These commands list them,
retry them right away, or give up on them. Commands that change the
state refuse to run while the daemon holds the state directory.`,
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed items",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg := mustLoadConfig()

		db, stores, err := openState(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		records, err := stores.Failed.Records(limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Printf("%s No failed items\n", ui.RenderPass("✓"))
			return
		}
		for _, r := range records {
			fmt.Printf("%-10s %s\n", ui.RenderWarn(r.Item.Event.String()), r.Item.Path)
		}
		if total := stores.Failed.Len(); total > len(records) {
			fmt.Println(ui.RenderMuted(fmt.Sprintf("... and %d more", total-len(records))))
		}
	},
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move every failed item back into the queue",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		lock, err := lockState(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer lock.Unlock()

		db, stores, err := openState(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		moved, err := stores.RequeueFailed(0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Requeued %d item(s)\n", ui.RenderPass("✓"), moved)
	},
}

var failedPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Forget every failed item",
	Long: `Forget every failed item. Purged items are not retried; they are only
synced again if they change.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		cfg := mustLoadConfig()

		lock, err := lockState(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer lock.Unlock()

		db, stores, err := openState(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		count := stores.Failed.Len()
		if count == 0 {
			fmt.Printf("%s No failed items\n", ui.RenderPass("✓"))
			return
		}

		if !yes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprintf(os.Stderr, "Error: refusing to purge without --yes when not interactive\n")
				os.Exit(1)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Forget %d failed item(s)?", count)).
				Affirmative("Purge").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		purged, err := stores.Failed.Clear()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Purged %d item(s)\n", ui.RenderPass("✓"), purged)
	},
}

func init() {
	failedListCmd.Flags().IntP("limit", "n", 50, "Maximum number of items to list (0 for all)")
	failedPurgeCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")

	failedCmd.AddCommand(failedListCmd, failedRetryCmd, failedPurgeCmd)
	rootCmd.AddCommand(failedCmd)
}
