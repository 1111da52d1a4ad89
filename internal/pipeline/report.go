package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/biomedgraph/biograph/internal/ratelimit"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// StageStats records what one executed stage did. Stages that never ran
// because an earlier stage failed do not appear in the report.
type StageStats struct {
	// Name is the stage name.
	Name string
	// Status is "success" or "failed".
	Status string
	// Attempts is how many times the stage ran.
	Attempts int
	// Duration is the stage's wall-clock time including retries.
	Duration time.Duration
	// Counts holds the stage's record counts keyed by what was counted
	// ("papers", "genes", "points").
	Counts map[string]int
	// Limiter is the final snapshot of the stage's rate limiter, nil for
	// stages that call no external API.
	Limiter *ratelimit.Stats
	// Error is the stage's final error text, empty on success.
	Error string
}

// Report is the audit trail of one pipeline run. It is always produced,
// success or failure, and the markdown artifact is rendered from it alone.
type Report struct {
	// Mode is the entry point that produced the run ("full",
	// "incremental", "rebuild", "check").
	Mode string
	// Status is "success" or "failed".
	Status string
	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time
	FinishedAt time.Time
	// Duration is FinishedAt minus StartedAt.
	Duration time.Duration
	// Stages lists the executed stages in order.
	Stages []StageStats
	// Consistency is the final cross-store verdict, nil when the run
	// failed before the validation stage.
	Consistency *ConsistencyReport
	// Error is the causing error text on failure, empty on success.
	Error string
}

// ArtifactName returns the report's markdown file name, derived from the
// mode and start time so successive runs never collide.
func (r *Report) ArtifactName() string {
	return fmt.Sprintf("pipeline_%s_%s.md", r.Mode, r.StartedAt.UTC().Format("20060102_150405"))
}

// Markdown renders the report artifact. Everything in it is reproducible
// from the Report fields alone.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Pipeline report: %s\n\n", r.Mode)
	fmt.Fprintf(&b, "- **Status**: %s\n", r.Status)
	fmt.Fprintf(&b, "- **Started**: %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Duration**: %s\n", r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", r.Error)
	}

	if len(r.Stages) > 0 {
		b.WriteString("\n## Stages\n\n")
		b.WriteString("| Stage | Status | Attempts | Duration | Counts |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, s := range r.Stages {
			fmt.Fprintf(&b, "| %s | %s | %d | %s | %s |\n",
				s.Name, s.Status, s.Attempts, s.Duration.Round(time.Millisecond), formatCounts(s.Counts))
		}
		for _, s := range r.Stages {
			if s.Limiter != nil {
				b.WriteString("\n")
				b.WriteString(formatLimiter(s.Name, s.Limiter))
			}
		}
	}

	if r.Consistency != nil {
		b.WriteString("\n")
		b.WriteString(r.Consistency.Markdown())
	}
	return b.String()
}

// Markdown renders the consistency verdict as a standalone artifact section.
func (c *ConsistencyReport) Markdown() string {
	var b strings.Builder

	b.WriteString("## Consistency\n\n")
	fmt.Fprintf(&b, "- **Source papers**: %d\n", c.SourceCount)
	fmt.Fprintf(&b, "- **Graph papers**: %d\n", c.GraphCount)
	fmt.Fprintf(&b, "- **Vector points**: %d\n", c.VectorCount)
	if c.IsConsistent {
		b.WriteString("- **Verdict**: consistent\n")
		return b.String()
	}
	b.WriteString("- **Verdict**: INCONSISTENT\n")
	for _, s := range c.Inconsistencies {
		fmt.Fprintf(&b, "  - %s\n", s)
	}
	return b.String()
}

// stageArtifacts maps stage names to their artifact prefixes. Stages absent
// here (configuration validation) produce no standalone artifact.
var stageArtifacts = map[string]string{
	StageCollectPapers: "pubmed_collection",
	StageCollectGenes:  "gene_collection",
	StageUpdateGraph:   "graph_update",
	StageUpdateVectors: "vector_update",
	StageConsistency:   "consistency_validation",
}

// stageArtifactName returns the markdown file name for one stage's artifact,
// or "" for stages that emit none.
func stageArtifactName(stage string, startedAt time.Time) string {
	prefix, ok := stageArtifacts[stage]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s_%s.md", prefix, startedAt.UTC().Format("20060102_150405"))
}

// Markdown renders one stage's standalone artifact.
func (s StageStats) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Stage report: %s\n\n", s.Name)
	fmt.Fprintf(&b, "- **Status**: %s\n", s.Status)
	fmt.Fprintf(&b, "- **Attempts**: %d\n", s.Attempts)
	fmt.Fprintf(&b, "- **Duration**: %s\n", s.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "- **Counts**: %s\n", formatCounts(s.Counts))
	if s.Error != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", s.Error)
	}
	if s.Limiter != nil {
		b.WriteString("\n")
		b.WriteString(formatLimiter(s.Name, s.Limiter))
	}
	return b.String()
}

// formatLimiter renders a rate-limiter snapshot as one markdown line.
func formatLimiter(stage string, st *ratelimit.Stats) string {
	return fmt.Sprintf("**%s rate limiter**: circuit=%s, requests_last_minute=%d, failures=%d, tokens_available=%.1f\n",
		stage, st.CircuitState, st.RequestsInLastMinute, st.FailureCount, st.TokensAvailable)
}

// formatCounts renders a counts map deterministically for the stage table.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}
