package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/biomedgraph/biograph/internal/pipeline"
)

// NewRunCmd constructs the `biograph run` command, the canonical full
// pipeline with every knob exposed.
func NewRunCmd() *cobra.Command {
	var terms []string
	var maxResults int
	var incremental bool
	var recreate bool
	var batchSize int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: collect, update graph and vectors, validate",
		Long: `Run the six-stage pipeline end to end: validate configuration, collect
PubMed papers for each search term, collect gene records, update the Neo4j
graph, update the Qdrant vector collection, and validate that all three
stores hold the same record counts.

Required environment variables:
  PUBMED_EMAIL         Contact email for the NCBI E-utilities
  NEO4J_URI            Neo4j bolt URI (e.g. bolt://localhost:7687)
  NEO4J_PASSWORD       Neo4j password
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  EMBEDDING_API_KEY    Required when EMBEDDING_PROVIDER=openai (the default)

Examples:
  biograph run
  biograph run --term "CRISPR gene editing" --term "long covid" --max-results 50
  biograph run --incremental --batch-size 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipeline.Options{
				SearchTerms:       terms,
				MaxResultsPerTerm: maxResults,
				IncrementalGraph:  incremental,
				RecreateVectors:   recreate,
				BatchSize:         batchSize,
			}
			return executeRun(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
				return p.Run(ctx, opts)
			})
		},
	}

	cmd.Flags().StringArrayVar(&terms, "term", nil, "PubMed search term (repeatable; defaults to the built-in term set)")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "Maximum papers per search term (default 100)")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Merge into the existing graph instead of clearing it first")
	cmd.Flags().BoolVar(&recreate, "recreate-vectors", false, "Delete and recreate the vector collection before upserting")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Vector upsert batch size (default 50)")

	return cmd
}
