package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	var activityCount int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job status, store counts, and recent runs",
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

			ctx := cmd.Context()
			status, err := a.pipeline.Status(ctx)
			if err != nil {
				return err
			}
			chunkCount, err := a.store.CountChunks(ctx)
			if err != nil {
				return err
			}
			fullSync, incSync, err := a.pipeline.LastSync(ctx)
			if err != nil {
				return err
			}
			activity, err := a.store.RecentActivity(ctx, activityCount)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				payload := map[string]any{
					"job":          status,
					"chunks":       chunkCount,
					"last_full":    stamp(fullSync),
					"last_partial": stamp(incSync),
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(payload)
			}

			fmt.Fprintf(out, "Job:      %s (%s)\n", status.Status, status.Message)
			fmt.Fprintf(out, "Progress: %d%% (%d/%d, %d errors)\n",
				status.Progress, status.Processed, status.Total, len(status.Errors))
			fmt.Fprintf(out, "Chunks:   %d stored\n", chunkCount)
			fmt.Fprintf(out, "Synced:   full %s, incremental %s\n", stamp(fullSync), stamp(incSync))

			if len(activity) > 0 {
				fmt.Fprintln(out, "\nRecent runs:")
				for _, entry := range activity {
					fmt.Fprintf(out, "  %s  %-10s %d items, %d errors\n",
						entry.FinishedAt.Local().Format("2006-01-02 15:04"),
						entry.Message, entry.Processed, entry.Errors)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVarP(&activityCount, "runs", "n", 5, "Number of recent runs to show")

	return cmd
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
