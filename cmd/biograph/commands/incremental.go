package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/biomedgraph/biograph/internal/pipeline"
)

// NewIncrementalCmd constructs the `biograph incremental` command, a
// fixed-parameter specialization of the full pipeline: graph MERGE only, no
// vector-collection recreation, smaller default result cap.
func NewIncrementalCmd() *cobra.Command {
	var terms []string
	var maxResults int
	var batchSize int

	cmd := &cobra.Command{
		Use:   "incremental",
		Short: "Merge new records into the existing stores without deleting prior data",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipeline.Options{
				SearchTerms:       terms,
				MaxResultsPerTerm: maxResults,
				BatchSize:         batchSize,
			}
			return executeRun(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
				return p.IncrementalUpdate(ctx, opts)
			})
		},
	}

	cmd.Flags().StringArrayVar(&terms, "term", nil, "PubMed search term (repeatable)")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Maximum papers per search term (default 50)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Vector upsert batch size (default 50)")

	return cmd
}
