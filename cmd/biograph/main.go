// Command biograph is the entry point for the biomedical literature
// pipeline. It collects papers and gene records, keeps a graph database and
// a vector store in sync with the flat-file source of truth, and validates
// cross-store consistency after every run.
package main

import (
	"fmt"
	"os"

	"github.com/biomedgraph/biograph/cmd/biograph/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
