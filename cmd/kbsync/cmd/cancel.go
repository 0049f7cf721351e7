package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the cancel command.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active indexing job",
		Long: `Request cancellation of the active indexing job. The currently
running batch completes; the job moves to cancelled at the next batch
boundary and its queued work is discarded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pipeline.Cancel(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
			return nil
		},
	}
}
