// Package vector provides the Qdrant vector store client used by the
// pipeline's vector-update and consistency-validation stages. Papers are
// embedded in batches and upserted with deterministic point IDs derived
// from their PMIDs, so retried upserts overwrite rather than duplicate.
package vector

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/biomedgraph/biograph/internal/source"
)

// Embedder converts batches of text into embeddings. The returned slice is
// parallel to the input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds connection parameters for a Qdrant vector store instance.
type Config struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// Collection is the Qdrant collection name to use.
	Collection string
	// VectorSize is the dimensionality of the stored embeddings.
	VectorSize uint64
	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// Store is the Qdrant-backed vector store.
type Store struct {
	client *qdrant.Client
	emb    Embedder
	cfg    *Config
}

// New creates a Store from cfg. Unlike collection management, client
// construction does not touch the server; the pipeline decides when to
// create or recreate the collection.
func New(cfg *Config, emb Embedder) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vector: collection name must not be empty")
	}
	if emb == nil {
		return nil, fmt.Errorf("vector: embedder must not be nil")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: create client: %w", err)
	}

	return &Store{client: client, emb: emb, cfg: cfg}, nil
}

// DeleteCollection removes the collection. A collection that does not exist
// is not an error — the rebuild path calls this unconditionally.
func (s *Store) DeleteCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("vector: check collection: %w", err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, s.cfg.Collection); err != nil {
		return fmt.Errorf("vector: delete collection %q: %w", s.cfg.Collection, err)
	}
	return nil
}

// CreateCollection creates the collection with cosine distance, skipping
// creation when it already exists.
func (s *Store) CreateCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("vector: check collection: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vector: create collection %q: %w", s.cfg.Collection, err)
	}
	return nil
}

// Upsert embeds every paper (title + abstract) and upserts the points in
// batches of batchSize. Gene symbols mentioning each paper are attached to
// its payload. Point IDs are derived from PMIDs, so the operation is
// idempotent.
func (s *Store) Upsert(ctx context.Context, papers *source.PaperDataset, genes *source.GeneDataset, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}

	genesByPMID := indexGenes(genes)

	for start := 0; start < len(papers.Papers); start += batchSize {
		end := start + batchSize
		if end > len(papers.Papers) {
			end = len(papers.Papers)
		}
		batch := papers.Papers[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = embeddingText(p)
		}

		embeddings, err := s.emb.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("vector: embed batch at %d: %w", start, err)
		}
		if len(embeddings) != len(batch) {
			return fmt.Errorf("vector: embedder returned %d vectors for %d papers", len(embeddings), len(batch))
		}

		points := make([]*qdrant.PointStruct, 0, len(batch))
		for i, p := range batch {
			payload := map[string]any{
				"pmid":    p.PMID,
				"title":   p.Title,
				"journal": p.Journal,
				"year":    p.Year,
			}
			if symbols := genesByPMID[p.PMID]; len(symbols) > 0 {
				payload["genes"] = strings.Join(symbols, ",")
			}
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(p.PMID)),
				Vectors: qdrant.NewVectors(embeddings[i]...),
				Payload: qdrant.NewValueMap(payload),
			})
		}

		if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("vector: upsert batch at %d: %w", start, err)
		}
	}

	return nil
}

// Count returns the exact number of points in the collection. A missing
// collection counts as zero so consistency checks work before first ingest.
func (s *Store) Count(ctx context.Context) (int, error) {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return 0, fmt.Errorf("vector: check collection: %w", err)
	}
	if !exists {
		return 0, nil
	}

	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vector: count: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// embeddingText builds the text embedded for a paper.
func embeddingText(p source.Paper) string {
	if p.Abstract == "" {
		return p.Title
	}
	return p.Title + "\n\n" + p.Abstract
}

// indexGenes builds a PMID -> gene symbols index from the gene dataset.
func indexGenes(genes *source.GeneDataset) map[string][]string {
	if genes == nil {
		return nil
	}
	idx := make(map[string][]string)
	for _, g := range genes.Genes {
		for _, pmid := range g.PaperPMIDs {
			idx[pmid] = append(idx[pmid], g.Symbol)
		}
	}
	return idx
}

// pointID derives a stable UUID for a paper from its PMID so repeated
// upserts address the same point.
func pointID(pmid string) string {
	h := sha256.Sum256([]byte("paper:" + pmid))
	return fmt.Sprintf("%x-%x-%x-%x-%x", h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}
