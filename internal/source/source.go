// Package source defines the flat-file datasets that act as the pipeline's
// source of truth. Collectors write JSON datasets here; the graph and vector
// stages read them back, and the consistency validator treats these counts
// as canonical. Writes are atomic (temp file + rename) so a crashed stage
// never leaves a half-written dataset behind.
package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Paper is a single PubMed record.
type Paper struct {
	// PMID is the PubMed identifier, unique per paper.
	PMID string `json:"pmid"`
	// Title is the article title.
	Title string `json:"title"`
	// Abstract is the article abstract, possibly empty.
	Abstract string `json:"abstract,omitempty"`
	// Journal is the publication venue.
	Journal string `json:"journal,omitempty"`
	// Year is the publication year.
	Year int `json:"year,omitempty"`
	// Authors holds author display names.
	Authors []string `json:"authors,omitempty"`
	// MeshTerms holds the MeSH subject headings attached to the paper.
	MeshTerms []string `json:"mesh_terms,omitempty"`
}

// PaperDataset is the persisted collection of papers plus their citation
// network (PMID -> cited PMIDs).
type PaperDataset struct {
	Papers          []Paper             `json:"papers"`
	CitationNetwork map[string][]string `json:"citation_network,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Gene is a single NCBI gene record linked to the papers that mention it.
type Gene struct {
	// ID is the NCBI gene identifier.
	ID string `json:"id"`
	// Symbol is the official gene symbol (e.g. TP53).
	Symbol string `json:"symbol"`
	// Description is the gene's full name/summary.
	Description string `json:"description,omitempty"`
	// PaperPMIDs lists the collected papers that mention this gene.
	PaperPMIDs []string `json:"paper_pmids,omitempty"`
}

// GeneDataset is the persisted collection of genes.
type GeneDataset struct {
	Genes     []Gene    `json:"genes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes the JSON datasets under a single data directory.
type Store struct {
	papersPath string
	genesPath  string
}

// Dataset file names within the data directory.
const (
	papersFile = "pubmed_papers.json"
	genesFile  = "gene_data.json"
)

// NewStore creates a Store rooted at dir, creating dir if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("source: data directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("source: create data dir %s: %w", dir, err)
	}
	return &Store{
		papersPath: filepath.Join(dir, papersFile),
		genesPath:  filepath.Join(dir, genesFile),
	}, nil
}

// LoadPapers reads the paper dataset. A missing file yields an empty dataset
// rather than an error, so first runs and consistency checks behave the same.
func (s *Store) LoadPapers() (*PaperDataset, error) {
	var ds PaperDataset
	if err := readJSON(s.papersPath, &ds); err != nil {
		return nil, fmt.Errorf("source: load papers: %w", err)
	}
	if ds.CitationNetwork == nil {
		ds.CitationNetwork = make(map[string][]string)
	}
	return &ds, nil
}

// LoadGenes reads the gene dataset, yielding an empty dataset when missing.
func (s *Store) LoadGenes() (*GeneDataset, error) {
	var ds GeneDataset
	if err := readJSON(s.genesPath, &ds); err != nil {
		return nil, fmt.Errorf("source: load genes: %w", err)
	}
	return &ds, nil
}

// WritePapers atomically replaces the paper dataset on disk.
func (s *Store) WritePapers(ds *PaperDataset) error {
	ds.UpdatedAt = time.Now().UTC()
	if err := writeJSON(s.papersPath, ds); err != nil {
		return fmt.Errorf("source: write papers: %w", err)
	}
	return nil
}

// WriteGenes atomically replaces the gene dataset on disk.
func (s *Store) WriteGenes(ds *GeneDataset) error {
	ds.UpdatedAt = time.Now().UTC()
	if err := writeJSON(s.genesPath, ds); err != nil {
		return fmt.Errorf("source: write genes: %w", err)
	}
	return nil
}

// MergePapers upserts newly collected papers into ds by PMID, preserving
// insertion order for existing records. Citation edges are unioned.
func MergePapers(ds *PaperDataset, collected []Paper, citations map[string][]string) {
	index := make(map[string]int, len(ds.Papers))
	for i, p := range ds.Papers {
		index[p.PMID] = i
	}
	for _, p := range collected {
		if i, ok := index[p.PMID]; ok {
			ds.Papers[i] = p
			continue
		}
		index[p.PMID] = len(ds.Papers)
		ds.Papers = append(ds.Papers, p)
	}

	if ds.CitationNetwork == nil {
		ds.CitationNetwork = make(map[string][]string)
	}
	for pmid, cited := range citations {
		existing := make(map[string]bool, len(ds.CitationNetwork[pmid]))
		for _, c := range ds.CitationNetwork[pmid] {
			existing[c] = true
		}
		for _, c := range cited {
			if !existing[c] {
				ds.CitationNetwork[pmid] = append(ds.CitationNetwork[pmid], c)
				existing[c] = true
			}
		}
	}
}

// readJSON decodes path into v; a missing file leaves v at its zero value.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// writeJSON writes v to path via a sibling temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
