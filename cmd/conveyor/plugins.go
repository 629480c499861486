package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/conveyor/internal/processor"
	"github.com/steveyegge/conveyor/internal/transporter"
	"github.com/steveyegge/conveyor/internal/ui"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List available processors and transporters",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(ui.RenderHeader("Processors"))
		for _, name := range processor.Default.Names() {
			d, _ := processor.Default.Lookup(name)
			note := ""
			if d.DifferentPerServer {
				note = ui.RenderMuted(" (per server)")
			}
			fmt.Printf("  %s%s\n", ui.RenderAccent(name), note)
		}

		fmt.Println()
		fmt.Println(ui.RenderHeader("Transporters"))
		for _, name := range transporter.Default.Names() {
			fmt.Printf("  %s\n", ui.RenderAccent(name))
		}
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}
