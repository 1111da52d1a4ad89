package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biomedgraph/biograph/internal/config"
	"github.com/biomedgraph/biograph/internal/ratelimit"
	"github.com/biomedgraph/biograph/internal/source"
)

// --- fakes -----------------------------------------------------------------

type fakeLiterature struct {
	mu    sync.Mutex
	terms []string
	err   error
}

func (f *fakeLiterature) Collect(ctx context.Context, term string, maxResults int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, term)
	return f.err
}

type fakeGenes struct {
	calls int
	err   error
}

func (f *fakeGenes) Collect(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeGraph struct {
	clearCalls  int
	paperCalls  int
	geneCalls   int
	count       int
	countErr    error
	ingestedPMs []string
}

func (f *fakeGraph) Clear(ctx context.Context) error { f.clearCalls++; return nil }

func (f *fakeGraph) IngestPapers(ctx context.Context, ds *source.PaperDataset) error {
	f.paperCalls++
	for _, p := range ds.Papers {
		f.ingestedPMs = append(f.ingestedPMs, p.PMID)
	}
	return nil
}

func (f *fakeGraph) IngestGenes(ctx context.Context, ds *source.GeneDataset) error {
	f.geneCalls++
	return nil
}

func (f *fakeGraph) Count(ctx context.Context, label string) (int, error) {
	return f.count, f.countErr
}

type fakeVector struct {
	deleteCalls int
	createCalls int
	batchSizes  []int
	upsertErr   error
	count       int
}

func (f *fakeVector) DeleteCollection(ctx context.Context) error { f.deleteCalls++; return nil }
func (f *fakeVector) CreateCollection(ctx context.Context) error { f.createCalls++; return nil }

func (f *fakeVector) Upsert(ctx context.Context, papers *source.PaperDataset, genes *source.GeneDataset, batchSize int) error {
	f.batchSizes = append(f.batchSizes, batchSize)
	return f.upsertErr
}

func (f *fakeVector) Count(ctx context.Context) (int, error) { return f.count, nil }

type fakeSource struct {
	papers *source.PaperDataset
	genes  *source.GeneDataset
}

func (f *fakeSource) LoadPapers() (*source.PaperDataset, error) {
	if f.papers == nil {
		return &source.PaperDataset{}, nil
	}
	return f.papers, nil
}

func (f *fakeSource) LoadGenes() (*source.GeneDataset, error) {
	if f.genes == nil {
		return &source.GeneDataset{}, nil
	}
	return f.genes, nil
}

type fakeSink struct {
	mu     sync.Mutex
	writes map[string]string
	err    error
}

func (f *fakeSink) Write(name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = map[string]string{}
	}
	f.writes[name] = content
	return f.err
}

// --- helpers ---------------------------------------------------------------

func makePapers(n int) *source.PaperDataset {
	ds := &source.PaperDataset{}
	for i := 0; i < n; i++ {
		ds.Papers = append(ds.Papers, source.Paper{
			PMID:  fmt.Sprintf("%d", 1000+i),
			Title: fmt.Sprintf("paper %d", i),
		})
	}
	return ds
}

func testSettings() *config.Settings {
	return &config.Settings{
		PubMedEmail:       "pipeline@example.org",
		Neo4jURI:          "bolt://localhost:7687",
		Neo4jPassword:     "secret",
		QdrantHost:        "localhost",
		EmbeddingProvider: "ollama",
		DataDir:           "data",
	}
}

// fastParams keeps stage retries cheap in tests.
func fastParams() *StageParams {
	return &StageParams{
		CollectRetries:     1,
		CollectRetryDelay:  time.Millisecond,
		CollectTimeout:     time.Second,
		StoreRetries:       1,
		StoreRetryDelay:    time.Millisecond,
		StoreTimeout:       time.Second,
		ConsistencyRetries: 1,
	}
}

// fastLimits keeps rate-limiter retries cheap in tests.
func fastLimits() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond:       1000,
		RequestsPerMinute:       100000,
		BurstSize:               1000,
		RetryAttempts:           1,
		BaseDelay:               time.Millisecond,
		MaxDelay:                time.Millisecond,
		CircuitFailureThreshold: 100,
		CircuitTimeout:          time.Second,
	}
}

type deps struct {
	lit    *fakeLiterature
	genes  *fakeGenes
	graph  *fakeGraph
	vector *fakeVector
	src    *fakeSource
	sink   *fakeSink
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(d *deps) *Pipeline {
	return New(Deps{
		Settings:      testSettings(),
		Logger:        discardLogger(),
		Literature:    d.lit,
		Genes:         d.genes,
		Graph:         d.graph,
		Vector:        d.vector,
		Source:        d.src,
		Sink:          d.sink,
		Registerer:    prometheus.NewRegistry(),
		CollectLimits: fastLimits(),
		EmbedLimits:   fastLimits(),
		Params:        fastParams(),
	})
}

// --- tests -----------------------------------------------------------------

func TestRun_SuccessProducesConsistentReport(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{count: 3},
		vector: &fakeVector{count: 3},
		src: &fakeSource{
			papers: makePapers(3),
			genes:  &source.GeneDataset{Genes: []source.Gene{{ID: "7157", Symbol: "TP53"}}},
		},
		sink: &fakeSink{},
	}
	p := newTestPipeline(d)

	rep, err := p.Run(context.Background(), Options{
		SearchTerms:       []string{"CRISPR gene editing", "immunotherapy cancer"},
		MaxResultsPerTerm: 10,
		BatchSize:         25,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Status != StatusSuccess {
		t.Errorf("status = %q, want %q", rep.Status, StatusSuccess)
	}
	if len(rep.Stages) != 6 {
		t.Fatalf("expected 6 stages, got %d: %+v", len(rep.Stages), rep.Stages)
	}
	if got := d.lit.terms; len(got) != 2 {
		t.Errorf("expected one collect per term, got %v", got)
	}
	if d.genes.calls != 1 {
		t.Errorf("gene collector calls = %d, want 1", d.genes.calls)
	}
	if d.graph.geneCalls != 1 {
		t.Errorf("gene ingest calls = %d, want 1", d.graph.geneCalls)
	}
	if len(d.vector.batchSizes) != 1 || d.vector.batchSizes[0] != 25 {
		t.Errorf("batch sizes = %v, want [25]", d.vector.batchSizes)
	}
	if rep.Consistency == nil || !rep.Consistency.IsConsistent {
		t.Errorf("expected consistent verdict, got %+v", rep.Consistency)
	}

	// The external-API stages embed their rate limiter's final snapshot.
	for _, s := range rep.Stages {
		switch s.Name {
		case StageCollectPapers, StageCollectGenes, StageUpdateVectors:
			if s.Limiter == nil {
				t.Errorf("stage %s missing limiter snapshot", s.Name)
			} else if s.Limiter.CircuitState != "closed" {
				t.Errorf("stage %s circuit = %q", s.Name, s.Limiter.CircuitState)
			}
		default:
			if s.Limiter != nil {
				t.Errorf("stage %s carries a limiter snapshot but calls no API", s.Name)
			}
		}
	}

	// One artifact per reporting stage plus the run summary.
	wantArtifacts := []string{
		"pubmed_collection_", "gene_collection_", "graph_update_",
		"vector_update_", "consistency_validation_", "pipeline_full_",
	}
	if len(d.sink.writes) != len(wantArtifacts) {
		t.Fatalf("expected %d artifacts, got %d: %v", len(wantArtifacts), len(d.sink.writes), artifactNames(d.sink))
	}
	for _, prefix := range wantArtifacts {
		if !hasArtifact(d.sink, prefix) {
			t.Errorf("missing artifact with prefix %q: %v", prefix, artifactNames(d.sink))
		}
	}
	for name, content := range d.sink.writes {
		if strings.HasPrefix(name, "pipeline_full_") {
			if !strings.Contains(content, "**Status**: success") {
				t.Errorf("run artifact missing status: %q", content)
			}
			if !strings.Contains(content, "collect_papers rate limiter") {
				t.Errorf("run artifact missing limiter snapshot: %q", content)
			}
		}
		if strings.HasPrefix(name, "pubmed_collection_") {
			if !strings.Contains(content, "rate limiter") {
				t.Errorf("stage artifact missing limiter snapshot: %q", content)
			}
		}
	}
}

func hasArtifact(s *fakeSink, prefix string) bool {
	for name := range s.writes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func artifactNames(s *fakeSink) []string {
	var names []string
	for name := range s.writes {
		names = append(names, name)
	}
	return names
}

func TestRun_CollectFailureAbortsDownstreamStages(t *testing.T) {
	t.Parallel()

	boom := errors.New("pubmed unavailable")
	d := &deps{
		lit:    &fakeLiterature{err: boom},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{},
		vector: &fakeVector{},
		src:    &fakeSource{},
		sink:   &fakeSink{},
	}
	p := newTestPipeline(d)

	rep, err := p.Run(context.Background(), Options{SearchTerms: []string{"x"}})
	if err == nil {
		t.Fatal("expected run error")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T: %v", err, err)
	}
	if stageErr.Stage != StageCollectPapers {
		t.Errorf("failed stage = %q, want %q", stageErr.Stage, StageCollectPapers)
	}
	if !errors.Is(err, boom) {
		t.Errorf("original error not reachable through %v", err)
	}

	// Stages 3 through 6 must never run.
	if d.genes.calls != 0 {
		t.Errorf("gene collector ran %d times after paper failure", d.genes.calls)
	}
	if d.graph.clearCalls+d.graph.paperCalls != 0 {
		t.Error("graph stage ran after paper failure")
	}
	if d.vector.createCalls != 0 {
		t.Error("vector stage ran after paper failure")
	}

	if rep.Status != StatusFailed {
		t.Errorf("report status = %q, want %q", rep.Status, StatusFailed)
	}
	if !strings.Contains(rep.Error, "pubmed unavailable") {
		t.Errorf("report error = %q, want cause captured", rep.Error)
	}
	if len(rep.Stages) != 2 {
		t.Errorf("expected validate + failed collect in report, got %d stages", len(rep.Stages))
	}
	last := rep.Stages[len(rep.Stages)-1]
	if last.Status != StatusFailed || last.Name != StageCollectPapers {
		t.Errorf("last stage = %+v", last)
	}
	// The failed stage still carries its limiter's final snapshot.
	if last.Limiter == nil {
		t.Error("failed stage missing limiter snapshot")
	} else if last.Limiter.FailureCount == 0 {
		t.Errorf("limiter snapshot recorded no failures: %+v", last.Limiter)
	}

	// Only the failure summary is emitted; no stage succeeded with an
	// artifact of its own.
	if len(d.sink.writes) != 1 {
		t.Errorf("expected failure artifact only, got %d writes: %v", len(d.sink.writes), artifactNames(d.sink))
	}
}

func TestRun_MissingConfigAbortsBeforeAnyExternalCall(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{},
		vector: &fakeVector{},
		src:    &fakeSource{},
		sink:   &fakeSink{},
	}
	p := newTestPipeline(d)
	p.settings = &config.Settings{} // everything missing

	_, err := p.Run(context.Background(), Options{})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
	if len(cfgErr.Missing) == 0 {
		t.Error("ConfigError lists nothing")
	}
	if len(d.lit.terms) != 0 || d.genes.calls != 0 {
		t.Error("collectors ran despite missing configuration")
	}
}

func TestConsistencyCheck_EqualCounts(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{count: 10},
		vector: &fakeVector{count: 10},
		src:    &fakeSource{papers: makePapers(10)},
		sink:   &fakeSink{},
	}
	p := newTestPipeline(d)

	c, err := p.ConsistencyCheck(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !c.IsConsistent {
		t.Errorf("expected consistent, got %+v", c)
	}
	if len(c.Inconsistencies) != 0 {
		t.Errorf("inconsistencies = %v, want none", c.Inconsistencies)
	}
	// No collection or write happened.
	if len(d.lit.terms) != 0 || d.graph.clearCalls != 0 || d.vector.createCalls != 0 {
		t.Error("consistency check touched a write path")
	}
}

func TestConsistencyCheck_GraphMismatch(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{count: 9},
		vector: &fakeVector{count: 10},
		src:    &fakeSource{papers: makePapers(10)},
		sink:   &fakeSink{},
	}
	p := newTestPipeline(d)

	c, err := p.ConsistencyCheck(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if c.IsConsistent {
		t.Error("expected inconsistent verdict")
	}
	if len(c.Inconsistencies) != 1 {
		t.Fatalf("inconsistencies = %v, want exactly one", c.Inconsistencies)
	}
	if c.Inconsistencies[0] != "source (10) != graph (9)" {
		t.Errorf("inconsistency = %q", c.Inconsistencies[0])
	}
}

func TestIncrementalUpdate_NeverClearsOrRecreates(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{count: 2},
		vector: &fakeVector{count: 2},
		src:    &fakeSource{papers: makePapers(2)},
		sink:   &fakeSink{},
	}
	p := newTestPipeline(d)

	if _, err := p.IncrementalUpdate(context.Background(), Options{SearchTerms: []string{"x"}}); err != nil {
		t.Fatalf("incremental: %v", err)
	}
	if d.graph.clearCalls != 0 {
		t.Errorf("incremental cleared the graph %d times", d.graph.clearCalls)
	}
	if d.vector.deleteCalls != 0 {
		t.Errorf("incremental deleted the collection %d times", d.vector.deleteCalls)
	}
}

func TestFullRebuild_ClearsAndRecreates(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{count: 2},
		vector: &fakeVector{count: 2},
		src:    &fakeSource{papers: makePapers(2)},
		sink:   &fakeSink{},
	}
	p := newTestPipeline(d)

	if _, err := p.FullRebuild(context.Background(), Options{SearchTerms: []string{"x"}}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if d.graph.clearCalls != 1 {
		t.Errorf("clear calls = %d, want 1", d.graph.clearCalls)
	}
	if d.vector.deleteCalls != 1 || d.vector.createCalls != 1 {
		t.Errorf("delete/create calls = %d/%d, want 1/1", d.vector.deleteCalls, d.vector.createCalls)
	}
}

func TestRun_SinkFailureDoesNotFailTheRun(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{count: 1},
		vector: &fakeVector{count: 1},
		src:    &fakeSource{papers: makePapers(1)},
		sink:   &fakeSink{err: errors.New("disk full")},
	}
	p := newTestPipeline(d)

	rep, err := p.Run(context.Background(), Options{SearchTerms: []string{"x"}})
	if err != nil {
		t.Fatalf("sink failure leaked into the run: %v", err)
	}
	if rep.Status != StatusSuccess {
		t.Errorf("status = %q", rep.Status)
	}
}

func TestRun_InconsistencyNeverFailsTheRun(t *testing.T) {
	t.Parallel()

	d := &deps{
		lit:    &fakeLiterature{},
		genes:  &fakeGenes{},
		graph:  &fakeGraph{count: 1}, // drifted
		vector: &fakeVector{count: 4},
		src:    &fakeSource{papers: makePapers(4)},
		sink:   &fakeSink{},
	}
	p := newTestPipeline(d)

	rep, err := p.Run(context.Background(), Options{SearchTerms: []string{"x"}})
	if err != nil {
		t.Fatalf("mismatch surfaced as an error: %v", err)
	}
	if rep.Status != StatusSuccess {
		t.Errorf("status = %q, want success with advisory mismatch", rep.Status)
	}
	if rep.Consistency == nil || rep.Consistency.IsConsistent {
		t.Errorf("expected advisory inconsistency, got %+v", rep.Consistency)
	}
}

func TestStage_RetryBudgetIsHonored(t *testing.T) {
	t.Parallel()

	calls := 0
	s := &stage{
		name:       "flaky",
		retries:    2,
		retryDelay: time.Millisecond,
		run: func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}

	attempts, err := s.execute(context.Background(), discardLogger(), newMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3/3", attempts, calls)
	}
}

func TestStage_TimeoutFailsTheAttempt(t *testing.T) {
	t.Parallel()

	s := &stage{
		name:    "slow",
		timeout: 10 * time.Millisecond,
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	_, err := s.execute(context.Background(), discardLogger(), newMetrics(prometheus.NewRegistry()))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestReport_MarkdownIsReproducible(t *testing.T) {
	t.Parallel()

	rep := &Report{
		Mode:      "rebuild",
		Status:    StatusFailed,
		StartedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Duration:  90 * time.Second,
		Error:     "stage update_graph failed",
		Stages: []StageStats{
			{Name: StageCollectPapers, Status: StatusSuccess, Attempts: 1,
				Counts: map[string]int{"papers": 12, "terms": 3},
				Limiter: &ratelimit.Stats{
					TokensAvailable:      4.2,
					RequestsInLastMinute: 37,
					CircuitState:         ratelimit.CircuitClosed,
				}},
			{Name: StageUpdateGraph, Status: StatusFailed, Attempts: 3, Error: "neo4j down"},
		},
	}

	md := rep.Markdown()
	for _, want := range []string{
		"# Pipeline report: rebuild",
		"**Status**: failed",
		"**Error**: stage update_graph failed",
		"papers=12, terms=3",
		"| update_graph | failed | 3 |",
		"**collect_papers rate limiter**: circuit=closed, requests_last_minute=37, failures=0, tokens_available=4.2",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if rep.ArtifactName() != "pipeline_rebuild_20260203_040506.md" {
		t.Errorf("artifact name = %q", rep.ArtifactName())
	}
}

func TestStageArtifactNames(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	cases := []struct {
		stage string
		want  string
	}{
		{StageCollectPapers, "pubmed_collection_20260203_040506.md"},
		{StageCollectGenes, "gene_collection_20260203_040506.md"},
		{StageUpdateGraph, "graph_update_20260203_040506.md"},
		{StageUpdateVectors, "vector_update_20260203_040506.md"},
		{StageConsistency, "consistency_validation_20260203_040506.md"},
		{StageValidateConfig, ""},
	}
	for _, tc := range cases {
		if got := stageArtifactName(tc.stage, started); got != tc.want {
			t.Errorf("stageArtifactName(%s) = %q, want %q", tc.stage, got, tc.want)
		}
	}
}
