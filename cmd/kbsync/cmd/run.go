package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRunCmd creates the one-shot sync command. It scans the content
// store and drains the whole queue in-process before returning.
func newRunCmd() *cobra.Command {
	var typeFilter string
	var noMirror bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one full indexing pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Pipeline.FastMode = true
			if noMirror {
				cfg.Pipeline.Mirror = false
			}

			a, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			result, err := a.pipeline.Start(ctx, typeFilter)
			if err != nil {
				return fmt.Errorf("%s", result.Message)
			}

			status, err := a.pipeline.Status(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", result.Message)
			fmt.Fprintf(out, "processed %d of %d items", status.Processed, status.Total)
			if len(status.Errors) > 0 {
				fmt.Fprintf(out, " (%d errors)", len(status.Errors))
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&typeFilter, "type", "t", "", "Only index this content type")
	cmd.Flags().BoolVar(&noMirror, "no-mirror", false, "Skip the vector-index mirror")

	return cmd
}
