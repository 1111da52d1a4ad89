package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/biomedgraph/biograph/internal/pipeline"
)

// NewRebuildCmd constructs the `biograph rebuild` command: destructive graph
// clear plus vector-collection recreation, larger default result cap.
func NewRebuildCmd() *cobra.Command {
	var terms []string
	var maxResults int
	var batchSize int

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Discard and regenerate the graph and vector stores from scratch",
		Long: `Rebuild clears the Neo4j graph and recreates the Qdrant collection before
reingesting, so the derived stores end up reflecting exactly what this run
collected. Prior graph and vector data is destroyed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipeline.Options{
				SearchTerms:       terms,
				MaxResultsPerTerm: maxResults,
				BatchSize:         batchSize,
			}
			return executeRun(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
				return p.FullRebuild(ctx, opts)
			})
		},
	}

	cmd.Flags().StringArrayVar(&terms, "term", nil, "PubMed search term (repeatable)")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Maximum papers per search term (default 200)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Vector upsert batch size (default 50)")

	return cmd
}
