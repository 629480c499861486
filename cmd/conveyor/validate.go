package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/steveyegge/conveyor/internal/arbitrator"
	"github.com/steveyegge/conveyor/internal/config"
	"github.com/steveyegge/conveyor/internal/persist"
	"github.com/steveyegge/conveyor/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without syncing anything",
	Long: `Check the configuration file: required fields, limits, scan paths,
filter conditions, and that every processor and transporter named by a
rule or server exists.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		if err := cfg.ValidateFS(afero.NewOsFs()); err != nil {
			fmt.Fprintf(os.Stderr, "%s Invalid configuration\n", ui.RenderFail("✗"))
			var verr *config.ValidationError
			for _, e := range unwrapAll(err) {
				if errors.As(e, &verr) {
					fmt.Fprintf(os.Stderr, "  %s %s\n", ui.RenderAccent(verr.Field), verr.Message)
				} else {
					fmt.Fprintf(os.Stderr, "  %v\n", e)
				}
			}
			os.Exit(1)
		}

		// Resolving rules against the registries needs a database; a
		// throwaway in-memory one is enough.
		db, err := persist.Open(":memory:")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if _, err := arbitrator.New(arbitrator.Options{Config: cfg, DB: db, Logger: logger}); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		rules := 0
		for _, src := range cfg.Sources {
			rules += len(src.Rules)
		}
		fmt.Printf("%s Configuration is valid: %d source(s), %d rule(s), %d server(s)\n",
			ui.RenderPass("✓"), len(cfg.Sources), rules, len(cfg.Servers))
	},
}

// unwrapAll flattens an errors.Join tree.
func unwrapAll(err error) []error {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}
	var out []error
	for _, e := range joined.Unwrap() {
		out = append(out, unwrapAll(e)...)
	}
	return out
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
