package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newSearchCmd creates the similarity search command. It queries the
// local vector index, so it requires the "local" provider.
func newSearchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the local vector index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.searcher == nil {
				return fmt.Errorf("search requires vector_index.provider \"local\" (got %q)",
					cfg.VectorIndex.Provider)
			}

			ctx := cmd.Context()
			query := strings.Join(args, " ")
			vector, err := a.embedder.Embed(ctx, query)
			if err != nil {
				return fmt.Errorf("embed query: %w", err)
			}

			matches, err := a.searcher.Search(ctx, vector, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(matches) == 0 {
				fmt.Fprintln(out, "no matches")
				return nil
			}
			for i, match := range matches {
				fmt.Fprintf(out, "%2d. %-30s score=%.3f\n", i+1, match.ID, match.Score)
				if preview := match.Metadata["preview"]; preview != "" {
					fmt.Fprintf(out, "    %s\n", preview)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "k", 10, "Maximum results")

	return cmd
}
