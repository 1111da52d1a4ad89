package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/biomedgraph/biograph/internal/config"
	"github.com/biomedgraph/biograph/internal/report"
)

// NewRunsCmd constructs the `biograph runs` command, which lists recent
// pipeline runs from the local run index. It only opens the SQLite index,
// never the stores, so it works without any connection settings.
func NewRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.FromEnv()
			store, err := report.Open(settings.RunDBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no recorded runs")
				return nil
			}

			for _, r := range runs {
				verdict := "consistent"
				if !r.Consistent {
					verdict = "inconsistent"
				}
				fmt.Printf("%s  %-11s %-7s %8s  papers=%d graph=%d vector=%d %s\n",
					r.CreatedAt.Format(time.RFC3339), r.Mode, r.Status,
					r.Duration.Round(time.Millisecond),
					r.Papers, r.GraphCount, r.VectorCount, verdict)
				if r.Error != "" {
					fmt.Printf("    error: %s\n", r.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")

	return cmd
}
