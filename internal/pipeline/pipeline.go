// Package pipeline implements the sequential data pipeline that keeps the
// flat-file source of truth, the graph store, and the vector store in sync:
// validate configuration, collect papers, collect genes, update the graph,
// update the vectors, then validate cross-store consistency. Stages run
// strictly in order; each carries its own retry budget and timeout, and the
// external-API stages construct their own rate limiter per invocation. Every
// run, success or failure, produces a report.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/biomedgraph/biograph/internal/config"
	"github.com/biomedgraph/biograph/internal/ratelimit"
	"github.com/biomedgraph/biograph/internal/source"
)

// Stage names, in execution order.
const (
	StageValidateConfig = "validate_configuration"
	StageCollectPapers  = "collect_papers"
	StageCollectGenes   = "collect_genes"
	StageUpdateGraph    = "update_graph"
	StageUpdateVectors  = "update_vectors"
	StageConsistency    = "validate_consistency"
)

// Default search terms used when the caller provides none.
var defaultSearchTerms = []string{
	"CRISPR gene editing",
	"immunotherapy cancer",
	"genome sequencing",
}

// LiteratureCollector fetches papers for one search term and persists them
// to the source of truth as a side effect. Transient API failures are
// returned as errors so the rate limiter can retry them.
type LiteratureCollector interface {
	Collect(ctx context.Context, term string, maxResults int) error
}

// GeneCollector fetches gene records for the configured symbols and
// persists them to the source of truth.
type GeneCollector interface {
	Collect(ctx context.Context) error
}

// GraphStore is the graph database client consumed by the pipeline.
// IngestPapers and IngestGenes must be idempotent upserts; a retried,
// partially-completed stage relies on that.
type GraphStore interface {
	Clear(ctx context.Context) error
	IngestPapers(ctx context.Context, ds *source.PaperDataset) error
	IngestGenes(ctx context.Context, ds *source.GeneDataset) error
	Count(ctx context.Context, label string) (int, error)
}

// VectorStore is the vector database client consumed by the pipeline.
// DeleteCollection tolerates an absent collection; Upsert must be
// idempotent (deterministic point IDs).
type VectorStore interface {
	DeleteCollection(ctx context.Context) error
	CreateCollection(ctx context.Context) error
	Upsert(ctx context.Context, papers *source.PaperDataset, genes *source.GeneDataset, batchSize int) error
	Count(ctx context.Context) (int, error)
}

// SourceReader reads the flat-file source of truth.
type SourceReader interface {
	LoadPapers() (*source.PaperDataset, error)
	LoadGenes() (*source.GeneDataset, error)
}

// Sink accepts report artifacts keyed by name. Writes are fire and forget:
// a sink failure is logged and never fails the pipeline.
type Sink interface {
	Write(name, content string) error
}

// StageParams holds the per-stage retry budgets and timeouts. The zero
// value is not useful; start from DefaultStageParams.
type StageParams struct {
	// CollectRetries, CollectRetryDelay, and CollectTimeout apply to the
	// two collection stages.
	CollectRetries    int
	CollectRetryDelay time.Duration
	CollectTimeout    time.Duration

	// StoreRetries, StoreRetryDelay, and StoreTimeout apply to the graph
	// and vector update stages. Store writes are expensive to repeat, so
	// the default retry budget is small.
	StoreRetries    int
	StoreRetryDelay time.Duration
	StoreTimeout    time.Duration

	// ConsistencyRetries applies to the final validation stage.
	ConsistencyRetries int
}

// DefaultStageParams returns the production stage parameters.
func DefaultStageParams() StageParams {
	return StageParams{
		CollectRetries:    3,
		CollectRetryDelay: 5 * time.Minute,
		CollectTimeout:    time.Hour,

		StoreRetries:    2,
		StoreRetryDelay: time.Minute,
		StoreTimeout:    2 * time.Hour,

		ConsistencyRetries: 1,
	}
}

// defaultCollectLimits matches the published NCBI E-utilities limits.
func defaultCollectLimits() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond:       3,
		RequestsPerMinute:       100,
		BurstSize:               5,
		RetryAttempts:           5,
		BaseDelay:               2 * time.Second,
		MaxDelay:                60 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitTimeout:          300 * time.Second,
	}
}

// defaultEmbedLimits matches typical embedding-API limits.
func defaultEmbedLimits() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerSecond: 10,
		RequestsPerMinute: 500,
		BurstSize:         20,
		RetryAttempts:     5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
	}
}

// Deps are the collaborators a Pipeline is built from. All stores and
// collectors are injected; the pipeline owns no connections and closes
// nothing.
type Deps struct {
	// Settings is the resolved runtime configuration, checked by the
	// validate-configuration stage.
	Settings *config.Settings

	Literature LiteratureCollector
	Genes      GeneCollector
	Graph      GraphStore
	Vector     VectorStore
	Source     SourceReader

	// Sink receives report artifacts. Nil disables artifact emission.
	Sink Sink

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// Registerer receives the pipeline's Prometheus metrics. Defaults to
	// a throwaway registry when nil.
	Registerer prometheus.Registerer

	// CollectLimits and EmbedLimits tune the per-stage rate limiters.
	// Zero values select the production defaults.
	CollectLimits ratelimit.Config
	EmbedLimits   ratelimit.Config

	// Params tunes the stage retry budgets and timeouts. Nil selects
	// DefaultStageParams.
	Params *StageParams
}

// Pipeline runs the six-stage ingestion sequence. It is not safe for
// concurrent runs; callers invoke one entry point at a time.
type Pipeline struct {
	settings *config.Settings

	literature LiteratureCollector
	genes      GeneCollector
	graph      GraphStore
	vector     VectorStore
	src        SourceReader
	sink       Sink

	log     *slog.Logger
	metrics *metrics

	collectLimits ratelimit.Config
	embedLimits   ratelimit.Config
	params        StageParams
}

// New builds a Pipeline from its collaborators.
func New(deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := deps.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	collectLimits := deps.CollectLimits
	if collectLimits.RequestsPerSecond == 0 {
		collectLimits = defaultCollectLimits()
	}
	embedLimits := deps.EmbedLimits
	if embedLimits.RequestsPerSecond == 0 {
		embedLimits = defaultEmbedLimits()
	}
	params := DefaultStageParams()
	if deps.Params != nil {
		params = *deps.Params
	}

	return &Pipeline{
		settings:      deps.Settings,
		literature:    deps.Literature,
		genes:         deps.Genes,
		graph:         deps.Graph,
		vector:        deps.Vector,
		src:           deps.Source,
		sink:          deps.Sink,
		log:           log,
		metrics:       newMetrics(reg),
		collectLimits: collectLimits,
		embedLimits:   embedLimits,
		params:        params,
	}
}

// Options parameterize one pipeline run.
type Options struct {
	// SearchTerms are the PubMed queries, one rate-limited collection
	// call per term. Empty selects the default term set.
	SearchTerms []string
	// MaxResultsPerTerm caps how many papers each term may contribute.
	MaxResultsPerTerm int
	// IncrementalGraph merges into the existing graph instead of
	// clearing it first.
	IncrementalGraph bool
	// RecreateVectors deletes and recreates the vector collection before
	// upserting.
	RecreateVectors bool
	// BatchSize is the vector upsert batch size.
	BatchSize int
}

// withDefaults fills unset options with the full-pipeline defaults.
func (o Options) withDefaults() Options {
	if len(o.SearchTerms) == 0 {
		o.SearchTerms = defaultSearchTerms
	}
	if o.MaxResultsPerTerm <= 0 {
		o.MaxResultsPerTerm = 100
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	return o
}

// Run executes the full six-stage pipeline. It is the canonical entry
// point; IncrementalUpdate and FullRebuild are fixed-parameter
// specializations. The returned Report is always non-nil.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	return p.run(ctx, "full", opts)
}

// IncrementalUpdate merges new records into the existing stores: graph
// MERGE only, no vector-collection recreation, and a smaller default
// result cap.
func (p *Pipeline) IncrementalUpdate(ctx context.Context, opts Options) (*Report, error) {
	opts.IncrementalGraph = true
	opts.RecreateVectors = false
	if opts.MaxResultsPerTerm <= 0 {
		opts.MaxResultsPerTerm = 50
	}
	return p.run(ctx, "incremental", opts)
}

// FullRebuild discards and regenerates the derived stores: destructive
// graph clear, vector-collection recreation, and a larger default result
// cap.
func (p *Pipeline) FullRebuild(ctx context.Context, opts Options) (*Report, error) {
	opts.IncrementalGraph = false
	opts.RecreateVectors = true
	if opts.MaxResultsPerTerm <= 0 {
		opts.MaxResultsPerTerm = 200
	}
	return p.run(ctx, "rebuild", opts)
}

// Check runs the validation stage alone and returns the full run report.
// Mismatched counts are reported, never returned as errors.
func (p *Pipeline) Check(ctx context.Context) (*Report, error) {
	return p.run(ctx, "check", Options{})
}

// ConsistencyCheck is Check reduced to its verdict.
func (p *Pipeline) ConsistencyCheck(ctx context.Context) (*ConsistencyReport, error) {
	rep, err := p.Check(ctx)
	if err != nil {
		return nil, err
	}
	return rep.Consistency, nil
}

// run executes the stages for the given mode, finalizes the report, and
// emits the artifact. The report is produced on every path.
func (p *Pipeline) run(ctx context.Context, mode string, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	rep := &Report{Mode: mode, StartedAt: time.Now().UTC()}

	p.log.InfoContext(ctx, "pipeline run starting",
		"mode", mode,
		"search_terms", len(opts.SearchTerms),
		"max_results_per_term", opts.MaxResultsPerTerm,
		"incremental_graph", opts.IncrementalGraph,
		"recreate_vectors", opts.RecreateVectors)

	var stages []*boundStage
	if mode == "check" {
		stages = []*boundStage{p.consistencyStage(rep)}
	} else {
		stages = p.buildStages(opts, rep)
	}

	var runErr error
	for _, bs := range stages {
		start := time.Now()
		attempts, err := bs.execute(ctx, p.log, p.metrics)
		elapsed := time.Since(start)

		stats := StageStats{
			Name:     bs.name,
			Status:   StatusSuccess,
			Attempts: attempts,
			Duration: elapsed,
			Counts:   bs.counts,
			Limiter:  bs.limiter,
		}
		p.metrics.stageDurationSeconds.WithLabelValues(bs.name).Observe(elapsed.Seconds())

		if err != nil {
			stats.Status = StatusFailed
			stats.Error = err.Error()
			rep.Stages = append(rep.Stages, stats)
			p.metrics.stageRunsTotal.WithLabelValues(bs.name, StatusFailed).Inc()

			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				runErr = err
			} else {
				runErr = &StageError{Stage: bs.name, Attempts: attempts, Err: err}
			}
			break
		}

		rep.Stages = append(rep.Stages, stats)
		p.metrics.stageRunsTotal.WithLabelValues(bs.name, StatusSuccess).Inc()
		p.emitStage(ctx, rep, stats)
		p.log.InfoContext(ctx, "stage complete",
			"stage", bs.name,
			"attempts", attempts,
			"duration", elapsed.String())
	}

	rep.FinishedAt = time.Now().UTC()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)
	if runErr != nil {
		rep.Status = StatusFailed
		rep.Error = runErr.Error()
	} else {
		rep.Status = StatusSuccess
	}
	p.metrics.runsTotal.WithLabelValues(mode, rep.Status).Inc()

	p.emit(ctx, rep)
	p.log.InfoContext(ctx, "pipeline run finished",
		"mode", mode,
		"status", rep.Status,
		"duration", rep.Duration.String())
	return rep, runErr
}

// buildStages assembles the six stages for a collection run. Each stage's
// closure records its counts into the bound counts map; the two collection
// stages and the vector stage each construct their own rate limiter, scoped
// to that single stage invocation.
func (p *Pipeline) buildStages(opts Options, rep *Report) []*boundStage {
	validate := &boundStage{stage: stage{
		name: StageValidateConfig,
		run: func(ctx context.Context) error {
			if missing := p.settings.Missing(); len(missing) > 0 {
				return &ConfigError{Missing: missing}
			}
			return nil
		},
	}}

	collectPapers := p.newBoundStage(StageCollectPapers, p.params.CollectRetries, p.params.CollectRetryDelay, p.params.CollectTimeout)
	collectPapers.run = func(ctx context.Context) error {
		lim := ratelimit.New(p.collectLimits, p.log)
		defer collectPapers.snapshotLimiter(lim)
		for _, term := range opts.SearchTerms {
			err := lim.Do(ctx, func(ctx context.Context) error {
				return p.literature.Collect(ctx, term, opts.MaxResultsPerTerm)
			})
			if err != nil {
				return err
			}
		}
		ds, err := p.src.LoadPapers()
		if err != nil {
			return err
		}
		collectPapers.counts["terms"] = len(opts.SearchTerms)
		collectPapers.counts["papers"] = len(ds.Papers)
		return nil
	}

	collectGenes := p.newBoundStage(StageCollectGenes, p.params.CollectRetries, p.params.CollectRetryDelay, p.params.CollectTimeout)
	collectGenes.run = func(ctx context.Context) error {
		lim := ratelimit.New(p.collectLimits, p.log)
		defer collectGenes.snapshotLimiter(lim)
		if err := lim.Do(ctx, p.genes.Collect); err != nil {
			return err
		}
		ds, err := p.src.LoadGenes()
		if err != nil {
			return err
		}
		collectGenes.counts["genes"] = len(ds.Genes)
		return nil
	}

	updateGraph := p.newBoundStage(StageUpdateGraph, p.params.StoreRetries, p.params.StoreRetryDelay, p.params.StoreTimeout)
	updateGraph.run = func(ctx context.Context) error {
		if !opts.IncrementalGraph {
			if err := p.graph.Clear(ctx); err != nil {
				return err
			}
		}
		papers, err := p.src.LoadPapers()
		if err != nil {
			return err
		}
		if err := p.graph.IngestPapers(ctx, papers); err != nil {
			return err
		}
		updateGraph.counts["papers"] = len(papers.Papers)

		genes, err := p.src.LoadGenes()
		if err != nil {
			return err
		}
		if len(genes.Genes) > 0 {
			if err := p.graph.IngestGenes(ctx, genes); err != nil {
				return err
			}
		}
		updateGraph.counts["genes"] = len(genes.Genes)
		return nil
	}

	updateVectors := p.newBoundStage(StageUpdateVectors, p.params.StoreRetries, p.params.StoreRetryDelay, p.params.StoreTimeout)
	updateVectors.run = func(ctx context.Context) error {
		if opts.RecreateVectors {
			if err := p.vector.DeleteCollection(ctx); err != nil {
				return err
			}
		}
		// CreateCollection runs on every path, not just recreate: it skips
		// existing collections, and incremental runs against a fresh Qdrant
		// would otherwise have nothing to upsert into.
		if err := p.vector.CreateCollection(ctx); err != nil {
			return err
		}

		papers, err := p.src.LoadPapers()
		if err != nil {
			return err
		}
		genes, err := p.src.LoadGenes()
		if err != nil {
			return err
		}

		lim := ratelimit.New(p.embedLimits, p.log)
		defer updateVectors.snapshotLimiter(lim)
		err = lim.Do(ctx, func(ctx context.Context) error {
			return p.vector.Upsert(ctx, papers, genes, opts.BatchSize)
		})
		if err != nil {
			return err
		}
		updateVectors.counts["points"] = len(papers.Papers)
		return nil
	}

	return []*boundStage{
		validate,
		collectPapers,
		collectGenes,
		updateGraph,
		updateVectors,
		p.consistencyStage(rep),
	}
}

// consistencyStage builds the final validation stage. It records its
// verdict on the report; mismatches are advisory and never fail the stage.
func (p *Pipeline) consistencyStage(rep *Report) *boundStage {
	bs := p.newBoundStage(StageConsistency, p.params.ConsistencyRetries, 0, 0)
	bs.run = func(ctx context.Context) error {
		v := &validator{src: p.src, graph: p.graph, vector: p.vector}
		c, err := v.validate(ctx)
		if err != nil {
			return err
		}
		rep.Consistency = c
		bs.counts["source"] = c.SourceCount
		bs.counts["graph"] = c.GraphCount
		bs.counts["vector"] = c.VectorCount
		if !c.IsConsistent {
			p.metrics.inconsistenciesTotal.Add(float64(len(c.Inconsistencies)))
			p.log.WarnContext(ctx, "cross-store inconsistency detected",
				"inconsistencies", c.Inconsistencies)
		}
		return nil
	}
	return bs
}

// boundStage pairs a stage with the counts map and limiter snapshot its
// closure records into.
type boundStage struct {
	stage
	counts  map[string]int
	limiter *ratelimit.Stats
}

// snapshotLimiter records the limiter's final state for the stage report.
// Stage closures defer it so the snapshot survives failed attempts too.
func (bs *boundStage) snapshotLimiter(lim *ratelimit.Limiter) {
	st := lim.Stats()
	bs.limiter = &st
}

func (p *Pipeline) newBoundStage(name string, retries int, retryDelay, timeout time.Duration) *boundStage {
	return &boundStage{
		stage: stage{
			name:       name,
			retries:    retries,
			retryDelay: retryDelay,
			timeout:    timeout,
		},
		counts: map[string]int{},
	}
}

// emit writes the run report artifact to the sink. Sink failures are logged
// and never propagated.
func (p *Pipeline) emit(ctx context.Context, rep *Report) {
	p.emitArtifact(ctx, rep.ArtifactName(), rep.Markdown())
}

// emitStage writes one completed stage's artifact to the sink.
func (p *Pipeline) emitStage(ctx context.Context, rep *Report, stats StageStats) {
	name := stageArtifactName(stats.Name, rep.StartedAt)
	if name == "" {
		return
	}
	p.emitArtifact(ctx, name, stats.Markdown())
}

func (p *Pipeline) emitArtifact(ctx context.Context, name, content string) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Write(name, content); err != nil {
		p.log.WarnContext(ctx, "report emission failed",
			"artifact", name,
			"error", err)
	}
}
