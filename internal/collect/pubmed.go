// Package collect implements the external data collectors feeding the
// pipeline's source-of-truth datasets: PubMed literature via the NCBI
// E-utilities, and gene records via the NCBI gene database. Collectors
// persist results as a side effect and surface transient API failures as
// errors so the calling stage's rate limiter can retry them.
package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/biomedgraph/biograph/internal/source"
)

// userAgent identifies the pipeline to NCBI per their usage policy.
const userAgent = "biograph/1.0 (biomedical literature pipeline)"

// PubMed collects papers from the PubMed E-utilities API and merges them
// into the paper dataset.
type PubMed struct {
	// baseURL is the E-utilities endpoint root.
	baseURL string
	// email identifies the caller to NCBI (required by their policy).
	email string
	// apiKey is the optional NCBI API key.
	apiKey string
	// store is the source-of-truth dataset store.
	store *source.Store
	// client is the shared HTTP client.
	client *http.Client
}

// PubMedConfig holds collector settings.
type PubMedConfig struct {
	// BaseURL is the E-utilities endpoint root.
	BaseURL string
	// Email identifies the caller to NCBI.
	Email string
	// APIKey is the optional NCBI API key.
	APIKey string
}

// NewPubMed constructs a PubMed collector writing into store.
func NewPubMed(cfg *PubMedConfig, store *source.Store) (*PubMed, error) {
	if store == nil {
		return nil, fmt.Errorf("collect: store must not be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("collect: pubmed base URL must not be empty")
	}
	return &PubMed{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		email:   cfg.Email,
		apiKey:  cfg.APIKey,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// esearchResponse is the subset of the esearch JSON we consume.
type esearchResponse struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// summaryRecord is the subset of an esummary document we consume.
type summaryRecord struct {
	Title           string `json:"title"`
	FullJournalName string `json:"fulljournalname"`
	PubDate         string `json:"pubdate"`
	Authors         []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

// Collect searches PubMed for term, fetches summaries for up to maxResults
// hits, and merges the papers into the dataset on disk. Transient HTTP
// failures are returned to the caller for retry.
func (c *PubMed) Collect(ctx context.Context, term string, maxResults int) error {
	ids, err := c.search(ctx, term, maxResults)
	if err != nil {
		return fmt.Errorf("collect: search %q: %w", term, err)
	}
	if len(ids) == 0 {
		return nil
	}

	papers, err := c.summaries(ctx, ids)
	if err != nil {
		return fmt.Errorf("collect: summaries for %q: %w", term, err)
	}

	ds, err := c.store.LoadPapers()
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	source.MergePapers(ds, papers, nil)
	if err := c.store.WritePapers(ds); err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	return nil
}

// search runs esearch and returns the matching PMIDs.
func (c *PubMed) search(ctx context.Context, term string, maxResults int) ([]string, error) {
	q := url.Values{
		"db":      {"pubmed"},
		"term":    {term},
		"retmax":  {strconv.Itoa(maxResults)},
		"retmode": {"json"},
		"sort":    {"relevance"},
	}
	c.identify(q)

	var parsed esearchResponse
	if err := c.getJSON(ctx, c.baseURL+"/esearch.fcgi?"+q.Encode(), &parsed); err != nil {
		return nil, err
	}
	return parsed.ESearchResult.IDList, nil
}

// summaries runs esummary for the given PMIDs and maps the documents into
// source.Paper records.
func (c *PubMed) summaries(ctx context.Context, ids []string) ([]source.Paper, error) {
	q := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(ids, ",")},
		"retmode": {"json"},
	}
	c.identify(q)

	// esummary returns a "result" object mixing a "uids" array with one
	// document per PMID key, so it is decoded field by field.
	var parsed struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/esummary.fcgi?"+q.Encode(), &parsed); err != nil {
		return nil, err
	}

	papers := make([]source.Paper, 0, len(ids))
	for _, id := range ids {
		raw, ok := parsed.Result[id]
		if !ok {
			continue
		}
		var rec summaryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parse summary %s: %w", id, err)
		}

		p := source.Paper{
			PMID:    id,
			Title:   rec.Title,
			Journal: rec.FullJournalName,
			Year:    parseYear(rec.PubDate),
		}
		for _, a := range rec.Authors {
			p.Authors = append(p.Authors, a.Name)
		}
		papers = append(papers, p)
	}
	return papers, nil
}

// identify attaches the NCBI identification parameters to q.
func (c *PubMed) identify(q url.Values) {
	q.Set("tool", "biograph")
	if c.email != "" {
		q.Set("email", c.email)
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
}

// getJSON fetches u and decodes the JSON body into v.
func (c *PubMed) getJSON(ctx context.Context, u string, v any) error {
	return getJSON(ctx, c.client, u, v)
}

// parseYear extracts the leading year from an E-utilities pubdate
// (e.g. "2024 Jan 15"). Returns 0 when absent.
func parseYear(pubdate string) int {
	fields := strings.Fields(pubdate)
	if len(fields) == 0 {
		return 0
	}
	year, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return year
}

// getJSON fetches u with client and decodes the JSON body into v.
// Non-200 statuses are errors so the rate limiter's retry sees them.
func getJSON(ctx context.Context, client *http.Client, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
