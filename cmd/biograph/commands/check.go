package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/biomedgraph/biograph/internal/pipeline"
)

// NewCheckCmd constructs the `biograph check` command, which runs the
// consistency validation stage alone. A mismatch is printed, not an error;
// the command only fails when a store cannot be queried.
func NewCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare record counts across the source files, Neo4j, and Qdrant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error) {
				return p.Check(ctx)
			})
		},
	}
}
