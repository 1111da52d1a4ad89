package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/biomedgraph/biograph/internal/collect"
	"github.com/biomedgraph/biograph/internal/config"
	"github.com/biomedgraph/biograph/internal/embedder"
	"github.com/biomedgraph/biograph/internal/graph"
	"github.com/biomedgraph/biograph/internal/logging"
	"github.com/biomedgraph/biograph/internal/pipeline"
	"github.com/biomedgraph/biograph/internal/report"
	"github.com/biomedgraph/biograph/internal/source"
	"github.com/biomedgraph/biograph/internal/vector"
)

// runtime bundles the constructed pipeline and everything that needs
// closing once the command finishes.
type runtime struct {
	pipeline *pipeline.Pipeline
	runs     *report.RunStore
	log      *slog.Logger
	close    func()
}

// buildRuntime wires the pipeline from the resolved environment: the source
// store, both collectors, the Neo4j and Qdrant clients, the report sink, and
// the run index. Missing required settings fail here, before any connection
// is dialed.
func buildRuntime(ctx context.Context, log *slog.Logger) (*runtime, error) {
	settings := config.FromEnv()
	if missing := settings.Missing(); len(missing) > 0 {
		return nil, &pipeline.ConfigError{Missing: missing}
	}

	store, err := source.NewStore(settings.DataDir)
	if err != nil {
		return nil, err
	}

	lit, err := collect.NewPubMed(&collect.PubMedConfig{
		BaseURL: settings.PubMedBaseURL,
		Email:   settings.PubMedEmail,
		APIKey:  settings.NCBIAPIKey,
	}, store)
	if err != nil {
		return nil, err
	}
	genes, err := collect.NewGenes(&collect.GenesConfig{
		BaseURL: settings.GeneBaseURL,
		Email:   settings.PubMedEmail,
		APIKey:  settings.NCBIAPIKey,
		Symbols: settings.GeneSymbols,
	}, store)
	if err != nil {
		return nil, err
	}

	graphClient, err := graph.New(ctx, &graph.Config{
		URI:      settings.Neo4jURI,
		Username: settings.Neo4jUsername,
		Password: settings.Neo4jPassword,
		Database: settings.Neo4jDatabase,
	})
	if err != nil {
		return nil, err
	}

	emb, err := embedder.New(settings)
	if err != nil {
		_ = graphClient.Close(ctx)
		return nil, err
	}
	vectorStore, err := vector.New(&vector.Config{
		Host:       settings.QdrantHost,
		Port:       settings.QdrantPort,
		Collection: settings.QdrantCollection,
		VectorSize: uint64(embedder.Dimensions(settings)), //nolint:gosec // dimensions are bounded
		APIKey:     settings.QdrantAPIKey,
		UseTLS:     settings.QdrantTLS,
	}, emb)
	if err != nil {
		_ = graphClient.Close(ctx)
		return nil, err
	}

	sink, err := report.NewFileSink(settings.ReportsDir)
	if err != nil {
		_ = graphClient.Close(ctx)
		_ = vectorStore.Close()
		return nil, err
	}
	runs, err := report.Open(settings.RunDBPath)
	if err != nil {
		_ = graphClient.Close(ctx)
		_ = vectorStore.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	stopMetrics := startMetricsListener(log, reg)

	p := pipeline.New(pipeline.Deps{
		Settings:   settings,
		Literature: lit,
		Genes:      genes,
		Graph:      graphClient,
		Vector:     vectorStore,
		Source:     store,
		Sink:       sink,
		Logger:     log,
		Registerer: reg,
	})

	return &runtime{
		pipeline: p,
		runs:     runs,
		log:      log,
		close: func() {
			stopMetrics()
			_ = graphClient.Close(ctx)
			_ = vectorStore.Close()
			_ = runs.Close()
		},
	}, nil
}

// startMetricsListener serves reg on --metrics-addr for the duration of the
// run. Returns a no-op stopper when the flag is unset.
func startMetricsListener(log *slog.Logger, reg *prometheus.Registry) func() {
	if metricsAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics listener failed", "addr", metricsAddr, "error", err)
		}
	}()
	log.Info("metrics listener started", "addr", metricsAddr)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// recordRun indexes a finished run in SQLite and prints its outcome. The
// index write is best-effort: a failure is logged, never returned.
func (rt *runtime) recordRun(ctx context.Context, rep *pipeline.Report) {
	rec := report.RunRecord{
		Mode:     rep.Mode,
		Status:   rep.Status,
		Duration: rep.Duration,
		Error:    rep.Error,
		Artifact: rep.ArtifactName(),
	}
	if c := rep.Consistency; c != nil {
		rec.Papers = c.SourceCount
		rec.GraphCount = c.GraphCount
		rec.VectorCount = c.VectorCount
		rec.Consistent = c.IsConsistent
	}
	if err := rt.runs.Record(ctx, rec); err != nil {
		rt.log.Warn("run index write failed", "error", err)
	}
}

// executeRun drives one pipeline entry point end to end: build the runtime,
// run, index the result, and print a short summary.
func executeRun(ctx context.Context, invoke func(context.Context, *pipeline.Pipeline) (*pipeline.Report, error)) error {
	log := logging.New()
	rt, err := buildRuntime(ctx, log)
	if err != nil {
		return err
	}
	defer rt.close()

	rep, runErr := invoke(ctx, rt.pipeline)
	if rep != nil {
		rt.recordRun(ctx, rep)
		printSummary(rep)
	}
	return runErr
}

// printSummary writes a short human-readable outcome to stdout; the full
// detail lives in the report artifact.
func printSummary(rep *pipeline.Report) {
	fmt.Printf("%s run %s in %s (report: %s)\n",
		rep.Mode, rep.Status, rep.Duration.Round(time.Millisecond), rep.ArtifactName())
	if rep.Error != "" {
		fmt.Printf("  error: %s\n", rep.Error)
	}
	if c := rep.Consistency; c != nil {
		if c.IsConsistent {
			fmt.Printf("  consistency: ok (source=%d graph=%d vector=%d)\n",
				c.SourceCount, c.GraphCount, c.VectorCount)
		} else {
			fmt.Println("  consistency: MISMATCH")
			for _, s := range c.Inconsistencies {
				fmt.Printf("    %s\n", s)
			}
		}
	}
}
