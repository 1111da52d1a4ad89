package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/biomedgraph/biograph/internal/source"
)

// Genes collects NCBI gene records for a configured symbol list and links
// each gene to the already-collected papers that mention it.
type Genes struct {
	// baseURL is the E-utilities endpoint root.
	baseURL string
	// email identifies the caller to NCBI.
	email string
	// apiKey is the optional NCBI API key.
	apiKey string
	// symbols is the list of gene symbols to track.
	symbols []string
	// store is the source-of-truth dataset store.
	store *source.Store
	// client is the shared HTTP client.
	client *http.Client
}

// GenesConfig holds gene collector settings.
type GenesConfig struct {
	// BaseURL is the E-utilities endpoint root.
	BaseURL string
	// Email identifies the caller to NCBI.
	Email string
	// APIKey is the optional NCBI API key.
	APIKey string
	// Symbols lists the gene symbols to collect.
	Symbols []string
}

// NewGenes constructs a gene collector writing into store.
func NewGenes(cfg *GenesConfig, store *source.Store) (*Genes, error) {
	if store == nil {
		return nil, fmt.Errorf("collect: store must not be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("collect: gene base URL must not be empty")
	}
	return &Genes{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		email:   cfg.Email,
		apiKey:  cfg.APIKey,
		symbols: cfg.Symbols,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// geneSummary is the subset of a gene esummary document we consume.
type geneSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Collect fetches a gene record for each configured symbol, links it to the
// papers that mention the symbol, and writes the gene dataset. Symbols with
// no match in the gene database are skipped, not errors.
func (g *Genes) Collect(ctx context.Context) error {
	papers, err := g.store.LoadPapers()
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	ds := &source.GeneDataset{}
	for _, symbol := range g.symbols {
		id, err := g.searchGene(ctx, symbol)
		if err != nil {
			return fmt.Errorf("collect: gene search %q: %w", symbol, err)
		}
		if id == "" {
			continue
		}

		sum, err := g.summary(ctx, id)
		if err != nil {
			return fmt.Errorf("collect: gene summary %q: %w", symbol, err)
		}

		ds.Genes = append(ds.Genes, source.Gene{
			ID:          id,
			Symbol:      symbol,
			Description: sum.Description,
			PaperPMIDs:  mentioningPMIDs(papers, symbol),
		})
	}

	if err := g.store.WriteGenes(ds); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	return nil
}

// searchGene resolves a human gene symbol to its NCBI gene ID, or "" when
// there is no match.
func (g *Genes) searchGene(ctx context.Context, symbol string) (string, error) {
	q := url.Values{
		"db":      {"gene"},
		"term":    {fmt.Sprintf("%s[sym] AND human[orgn]", symbol)},
		"retmax":  {"1"},
		"retmode": {"json"},
	}
	g.identify(q)

	var parsed esearchResponse
	if err := getJSON(ctx, g.client, g.baseURL+"/esearch.fcgi?"+q.Encode(), &parsed); err != nil {
		return "", err
	}
	if len(parsed.ESearchResult.IDList) == 0 {
		return "", nil
	}
	return parsed.ESearchResult.IDList[0], nil
}

// summary fetches the esummary document for a gene ID.
func (g *Genes) summary(ctx context.Context, id string) (*geneSummary, error) {
	q := url.Values{
		"db":      {"gene"},
		"id":      {id},
		"retmode": {"json"},
	}
	g.identify(q)

	var parsed struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := getJSON(ctx, g.client, g.baseURL+"/esummary.fcgi?"+q.Encode(), &parsed); err != nil {
		return nil, err
	}

	raw, ok := parsed.Result[id]
	if !ok {
		return nil, fmt.Errorf("gene %s missing from esummary result", id)
	}
	var sum geneSummary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return nil, fmt.Errorf("parse gene summary %s: %w", id, err)
	}
	return &sum, nil
}

// identify attaches the NCBI identification parameters to q.
func (g *Genes) identify(q url.Values) {
	q.Set("tool", "biograph")
	if g.email != "" {
		q.Set("email", g.email)
	}
	if g.apiKey != "" {
		q.Set("api_key", g.apiKey)
	}
}

// mentioningPMIDs returns the PMIDs of papers whose title or MeSH terms
// mention the gene symbol. Matching is case-insensitive.
func mentioningPMIDs(ds *source.PaperDataset, symbol string) []string {
	needle := strings.ToLower(symbol)
	var pmids []string
	for _, p := range ds.Papers {
		if strings.Contains(strings.ToLower(p.Title), needle) {
			pmids = append(pmids, p.PMID)
			continue
		}
		for _, term := range p.MeshTerms {
			if strings.Contains(strings.ToLower(term), needle) {
				pmids = append(pmids, p.PMID)
				break
			}
		}
	}
	return pmids
}
