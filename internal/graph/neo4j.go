// Package graph provides the Neo4j graph store client used by the pipeline's
// graph-update and consistency-validation stages. Ingestion is idempotent:
// papers and genes are MERGEd by their stable identifiers, so a retried,
// partially-completed stage never duplicates nodes or relationships.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/biomedgraph/biograph/internal/source"
)

// Config holds connection parameters for a Neo4j instance.
type Config struct {
	// URI is the bolt/neo4j connection URI (e.g. "bolt://localhost:7687").
	URI string
	// Username is the database user.
	Username string
	// Password is the database password.
	Password string
	// Database is the target database name (default: neo4j).
	Database string
}

// Client wraps a Neo4j driver with the operations the pipeline needs.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to Neo4j and verifies connectivity before returning.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("graph: URI must not be empty")
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity to %s: %w", cfg.URI, err)
	}

	return &Client{driver: driver, database: cfg.Database}, nil
}

// Clear deletes every node and relationship in the database. Used only by
// the full-rebuild path before re-ingestion.
func (c *Client) Clear(ctx context.Context) error {
	if err := c.write(ctx, "MATCH (n) DETACH DELETE n", nil); err != nil {
		return fmt.Errorf("graph: clear: %w", err)
	}
	return nil
}

// IngestPapers upserts all papers and their citation edges. MERGE keys on
// PMID, so re-running over the same dataset is a no-op.
func (c *Client) IngestPapers(ctx context.Context, ds *source.PaperDataset) error {
	papers := make([]map[string]any, 0, len(ds.Papers))
	for _, p := range ds.Papers {
		papers = append(papers, map[string]any{
			"pmid":       p.PMID,
			"title":      p.Title,
			"abstract":   p.Abstract,
			"journal":    p.Journal,
			"year":       p.Year,
			"authors":    p.Authors,
			"mesh_terms": p.MeshTerms,
		})
	}

	const paperQuery = `
UNWIND $papers AS paper
MERGE (p:Paper {pmid: paper.pmid})
SET p.title      = paper.title,
    p.abstract   = paper.abstract,
    p.journal    = paper.journal,
    p.year       = paper.year,
    p.authors    = paper.authors,
    p.mesh_terms = paper.mesh_terms`
	if err := c.write(ctx, paperQuery, map[string]any{"papers": papers}); err != nil {
		return fmt.Errorf("graph: ingest papers: %w", err)
	}

	edges := make([]map[string]any, 0, len(ds.CitationNetwork))
	for pmid, cited := range ds.CitationNetwork {
		edges = append(edges, map[string]any{"from": pmid, "to": cited})
	}
	if len(edges) == 0 {
		return nil
	}

	// Citation targets may not be in the collected set; MERGE creates stub
	// Paper nodes for them so the edge is never dropped.
	const citationQuery = `
UNWIND $edges AS edge
MATCH (a:Paper {pmid: edge.from})
UNWIND edge.to AS citedPMID
MERGE (b:Paper {pmid: citedPMID})
MERGE (a)-[:CITES]->(b)`
	if err := c.write(ctx, citationQuery, map[string]any{"edges": edges}); err != nil {
		return fmt.Errorf("graph: ingest citations: %w", err)
	}
	return nil
}

// IngestGenes upserts gene nodes and MENTIONS edges to the papers that
// reference them.
func (c *Client) IngestGenes(ctx context.Context, ds *source.GeneDataset) error {
	genes := make([]map[string]any, 0, len(ds.Genes))
	for _, g := range ds.Genes {
		genes = append(genes, map[string]any{
			"id":          g.ID,
			"symbol":      g.Symbol,
			"description": g.Description,
			"pmids":       g.PaperPMIDs,
		})
	}

	const geneQuery = `
UNWIND $genes AS gene
MERGE (g:Gene {id: gene.id})
SET g.symbol      = gene.symbol,
    g.description = gene.description
WITH g, gene
UNWIND gene.pmids AS pmid
MATCH (p:Paper {pmid: pmid})
MERGE (p)-[:MENTIONS]->(g)`
	if err := c.write(ctx, geneQuery, map[string]any{"genes": genes}); err != nil {
		return fmt.Errorf("graph: ingest genes: %w", err)
	}
	return nil
}

// countableLabels guards Count against label injection: Cypher cannot
// parameterize labels, so only known labels are interpolated.
var countableLabels = map[string]bool{
	"Paper": true,
	"Gene":  true,
}

// Count returns the number of nodes carrying the given label.
func (c *Client) Count(ctx context.Context, label string) (int, error) {
	if !countableLabels[label] {
		return 0, fmt.Errorf("graph: unknown label %q", label)
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS count", label), nil)
	if err != nil {
		return 0, fmt.Errorf("graph: count %s: %w", label, err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("graph: count %s result: %w", label, err)
	}
	n, _ := record.Get("count")
	count, ok := n.(int64)
	if !ok {
		return 0, fmt.Errorf("graph: count %s: unexpected result type %T", label, n)
	}
	return int(count), nil
}

// Close releases the underlying driver connections.
func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// write runs a single write query in its own session.
func (c *Client) write(ctx context.Context, query string, params map[string]any) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return nil, result.Err()
	})
	return err
}
