package cmd

import (
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/pulse/internal/config"
)

// NewRootCmd returns the top-level pulse command.
func NewRootCmd(cfg *config.AppConfig) *cobra.Command {
	root := &cobra.Command{
		Use:   "pulse",
		Short: "Event store with scheduled alerts, epoch aggregates and notification feeds",
		Long: `Pulse ingests tagged events into a sharded append-only store, fires
scheduled and recurring alerts, aggregates events into fixed-width epochs
and fans matching items out to notification feeds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(NewServeCmd(cfg))
	root.AddCommand(NewVersionCmd())
	root.AddCommand(NewUpdateCmd())
	return root
}
