package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/biomedgraph/biograph/internal/source"
)

// newEutilsServer fakes the two E-utilities endpoints the collectors use.
func newEutilsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("db") {
		case "pubmed":
			fmt.Fprint(w, `{"esearchresult":{"idlist":["101","102"]}}`)
		case "gene":
			if r.URL.Query().Get("term") == "NOPE[sym] AND human[orgn]" {
				fmt.Fprint(w, `{"esearchresult":{"idlist":[]}}`)
				return
			}
			fmt.Fprint(w, `{"esearchresult":{"idlist":["7157"]}}`)
		default:
			http.Error(w, "unknown db", http.StatusBadRequest)
		}
	})

	mux.HandleFunc("/esummary.fcgi", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("db") {
		case "pubmed":
			fmt.Fprint(w, `{"result":{
				"uids":["101","102"],
				"101":{"title":"TP53 in tumour suppression","fulljournalname":"Cell","pubdate":"2024 Mar 2","authors":[{"name":"Ada L"}]},
				"102":{"title":"Genome sequencing at scale","fulljournalname":"Nature","pubdate":"2023 Nov"}
			}}`)
		case "gene":
			fmt.Fprint(w, `{"result":{
				"uids":["7157"],
				"7157":{"name":"TP53","description":"tumor protein p53"}
			}}`)
		default:
			http.Error(w, "unknown db", http.StatusBadRequest)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestPubMed_CollectPersistsPapers verifies search + summary parsing and the
// merge into the dataset file.
func TestPubMed_CollectPersistsPapers(t *testing.T) {
	t.Parallel()

	srv := newEutilsServer(t)
	store, err := source.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewPubMed(&PubMedConfig{BaseURL: srv.URL, Email: "pipeline@example.org"}, store)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Collect(context.Background(), "CRISPR gene editing", 100); err != nil {
		t.Fatalf("collect: %v", err)
	}

	ds, err := store.LoadPapers()
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Papers) != 2 {
		t.Fatalf("expected 2 papers, got %d", len(ds.Papers))
	}
	p := ds.Papers[0]
	if p.PMID != "101" || p.Journal != "Cell" || p.Year != 2024 {
		t.Errorf("paper 101 mangled: %+v", p)
	}
	if len(p.Authors) != 1 || p.Authors[0] != "Ada L" {
		t.Errorf("paper 101 authors mangled: %v", p.Authors)
	}

	// Re-collecting the same term must not duplicate papers.
	if err := c.Collect(context.Background(), "CRISPR gene editing", 100); err != nil {
		t.Fatalf("re-collect: %v", err)
	}
	ds, _ = store.LoadPapers()
	if len(ds.Papers) != 2 {
		t.Errorf("re-collect duplicated papers: got %d", len(ds.Papers))
	}
}

// TestPubMed_CollectSurfacesAPIFailure verifies a 5xx from the API becomes
// an error the caller can retry.
func TestPubMed_CollectSurfacesAPIFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	store, err := source.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewPubMed(&PubMedConfig{BaseURL: srv.URL}, store)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Collect(context.Background(), "anything", 10); err == nil {
		t.Fatal("expected error from failing API")
	}
}

// TestGenes_CollectLinksPapers verifies gene resolution and PMID linking.
func TestGenes_CollectLinksPapers(t *testing.T) {
	t.Parallel()

	srv := newEutilsServer(t)
	store, err := source.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Seed papers: one mentions TP53 in the title, one in MeSH terms.
	seed := &source.PaperDataset{Papers: []source.Paper{
		{PMID: "101", Title: "TP53 in tumour suppression"},
		{PMID: "102", Title: "Genome sequencing at scale", MeshTerms: []string{"Genes, tp53"}},
		{PMID: "103", Title: "Unrelated work"},
	}}
	if err := store.WritePapers(seed); err != nil {
		t.Fatal(err)
	}

	g, err := NewGenes(&GenesConfig{BaseURL: srv.URL, Symbols: []string{"TP53", "NOPE"}}, store)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Collect(context.Background()); err != nil {
		t.Fatalf("collect: %v", err)
	}

	ds, err := store.LoadGenes()
	if err != nil {
		t.Fatal(err)
	}
	// NOPE has no gene DB match and must be skipped.
	if len(ds.Genes) != 1 {
		t.Fatalf("expected 1 gene, got %d", len(ds.Genes))
	}
	gene := ds.Genes[0]
	if gene.ID != "7157" || gene.Symbol != "TP53" || gene.Description != "tumor protein p53" {
		t.Errorf("gene mangled: %+v", gene)
	}
	if len(gene.PaperPMIDs) != 2 {
		t.Errorf("expected 2 linked papers, got %v", gene.PaperPMIDs)
	}
}

// TestParseYear covers the pubdate formats E-utilities emits.
func TestParseYear(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{"2024 Mar 2", 2024},
		{"2023 Nov", 2023},
		{"2020", 2020},
		{"", 0},
		{"Winter 2019", 0},
	}
	for _, tc := range cases {
		if got := parseYear(tc.in); got != tc.want {
			t.Errorf("parseYear(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
