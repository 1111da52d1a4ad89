package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// TestLoad_YAMLAppliesEnvVars verifies YAML values are exported as env vars
// without overriding values already present in the environment.
func TestLoad_YAMLAppliesEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "biograph.yaml")
	yaml := `
pubmed:
  email: pipeline@example.org
neo4j:
  uri: bolt://graph:7687
qdrant:
  port: 7001
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	// Pre-set env must win over YAML.
	t.Setenv("NEO4J_URI", "bolt://existing:7687")
	t.Setenv("PUBMED_EMAIL", "")
	t.Setenv("QDRANT_PORT", "")
	os.Unsetenv("PUBMED_EMAIL")
	os.Unsetenv("QDRANT_PORT")

	loaded, err := Load(path, slog.Default())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != path {
		t.Errorf("expected loaded path %q, got %q", path, loaded)
	}

	if got := os.Getenv("PUBMED_EMAIL"); got != "pipeline@example.org" {
		t.Errorf("PUBMED_EMAIL = %q, expected YAML value", got)
	}
	if got := os.Getenv("NEO4J_URI"); got != "bolt://existing:7687" {
		t.Errorf("NEO4J_URI = %q, env var should win over YAML", got)
	}
	if got := os.Getenv("QDRANT_PORT"); got != "7001" {
		t.Errorf("QDRANT_PORT = %q, expected 7001", got)
	}
}

// TestLoad_MissingFileIsNotAnError verifies the env-vars-only path.
func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	t.Setenv("BIOGRAPH_CONFIG", "")
	os.Unsetenv("BIOGRAPH_CONFIG")

	loaded, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), slog.Default())
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if loaded != "" {
		t.Errorf("expected empty loaded path, got %q", loaded)
	}
}

// TestSettings_Missing verifies required-setting detection.
func TestSettings_Missing(t *testing.T) {
	t.Parallel()

	s := &Settings{
		QdrantHost:        "localhost",
		EmbeddingProvider: "ollama",
		DataDir:           "data",
	}
	missing := s.Missing()

	want := map[string]bool{
		"PUBMED_EMAIL":   true,
		"NEO4J_URI":      true,
		"NEO4J_PASSWORD": true,
	}
	if len(missing) != len(want) {
		t.Fatalf("expected %d missing settings, got %v", len(want), missing)
	}
	for _, m := range missing {
		if !want[m] {
			t.Errorf("unexpected missing entry %q", m)
		}
	}

	s.PubMedEmail = "pipeline@example.org"
	s.Neo4jURI = "bolt://localhost:7687"
	s.Neo4jPassword = "secret"
	if missing := s.Missing(); len(missing) != 0 {
		t.Errorf("expected complete settings, still missing %v", missing)
	}
}

// TestSettings_MissingRequiresEmbeddingKeyForOpenAI verifies the provider
// conditional key requirement.
func TestSettings_MissingRequiresEmbeddingKeyForOpenAI(t *testing.T) {
	t.Parallel()

	s := &Settings{
		PubMedEmail:       "pipeline@example.org",
		Neo4jURI:          "bolt://localhost:7687",
		Neo4jPassword:     "secret",
		QdrantHost:        "localhost",
		EmbeddingProvider: "openai",
		DataDir:           "data",
	}
	missing := s.Missing()
	if len(missing) != 1 || missing[0] != "EMBEDDING_API_KEY" {
		t.Errorf("expected only EMBEDDING_API_KEY missing, got %v", missing)
	}
}

// TestFromEnv_Defaults verifies default values when the environment is bare.
func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"PUBMED_BASE_URL", "GENE_SYMBOLS", "QDRANT_HOST", "QDRANT_PORT",
		"QDRANT_COLLECTION", "EMBEDDING_PROVIDER", "BIOGRAPH_DATA_DIR",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	s := FromEnv()
	if s.QdrantHost != "localhost" || s.QdrantPort != 6334 {
		t.Errorf("qdrant defaults wrong: %s:%d", s.QdrantHost, s.QdrantPort)
	}
	if s.QdrantCollection != "biomedical-papers" {
		t.Errorf("collection default wrong: %s", s.QdrantCollection)
	}
	if len(s.GeneSymbols) == 0 {
		t.Error("expected default gene symbols")
	}
	if s.DataDir != "data" {
		t.Errorf("data dir default wrong: %s", s.DataDir)
	}
}

// TestSplitList verifies trimming and empty-entry handling.
func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList(" TP53, BRCA1 ,,CD19 ")
	want := []string{"TP53", "BRCA1", "CD19"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
