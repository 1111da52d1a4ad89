// Package config provides YAML-based configuration for biograph.
// Configuration is loaded with a layered precedence: defaults → YAML file →
// env vars. Environment variables always win, so scheduled runs can override
// a shared config file without editing it.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. BIOGRAPH_CONFIG environment variable
//  3. ~/.biograph/config.yaml
//  4. ./biograph.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming.
type Config struct {
	// PubMed configures the PubMed E-utilities collector.
	PubMed PubMedConfig `yaml:"pubmed"`

	// Genes configures the NCBI gene collector.
	Genes GenesConfig `yaml:"genes"`

	// Neo4j configures the graph store connection.
	Neo4j Neo4jConfig `yaml:"neo4j"`

	// Qdrant configures the vector store connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Embedding configures the embedding backend used by the vector stage.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Data configures local file locations (source of truth, reports).
	Data DataConfig `yaml:"data"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`
}

// PubMedConfig holds PubMed E-utilities settings.
type PubMedConfig struct {
	// Email identifies the caller to NCBI, required by their usage policy.
	Email string `yaml:"email"`
	// APIKey is the optional NCBI API key (raises the published rate limit).
	// Prefer env var NCBI_API_KEY.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the E-utilities endpoint (tests, mirrors).
	BaseURL string `yaml:"base_url"`
}

// GenesConfig holds NCBI gene collector settings.
type GenesConfig struct {
	// Symbols is the comma-separated list of gene symbols to track.
	Symbols string `yaml:"symbols"`
	// BaseURL overrides the gene API endpoint.
	BaseURL string `yaml:"base_url"`
}

// Neo4jConfig holds graph store connection settings.
type Neo4jConfig struct {
	// URI is the bolt/neo4j connection URI.
	URI string `yaml:"uri"`
	// Username is the database user.
	Username string `yaml:"username"`
	// Password is the database password. Prefer env var NEO4J_PASSWORD.
	Password string `yaml:"password"`
	// Database is the target database name (default: neo4j).
	Database string `yaml:"database"`
}

// QdrantConfig holds vector store connection settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// EmbeddingConfig holds embedding backend settings.
type EmbeddingConfig struct {
	// Provider selects the backend: openai, ollama.
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
}

// DataConfig holds local filesystem locations.
type DataConfig struct {
	// Dir is the directory holding the JSON source-of-truth datasets.
	Dir string `yaml:"dir"`
	// ReportsDir is where markdown run reports are written.
	ReportsDir string `yaml:"reports_dir"`
	// RunDB is the SQLite path for the pipeline run index.
	RunDB string `yaml:"run_db"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"PUBMED_EMAIL", func(c *Config) string { return c.PubMed.Email }},
	{"NCBI_API_KEY", func(c *Config) string { return c.PubMed.APIKey }},
	{"PUBMED_BASE_URL", func(c *Config) string { return c.PubMed.BaseURL }},
	{"GENE_SYMBOLS", func(c *Config) string { return c.Genes.Symbols }},
	{"GENE_BASE_URL", func(c *Config) string { return c.Genes.BaseURL }},
	{"NEO4J_URI", func(c *Config) string { return c.Neo4j.URI }},
	{"NEO4J_USERNAME", func(c *Config) string { return c.Neo4j.Username }},
	{"NEO4J_PASSWORD", func(c *Config) string { return c.Neo4j.Password }},
	{"NEO4J_DATABASE", func(c *Config) string { return c.Neo4j.Database }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"BIOGRAPH_DATA_DIR", func(c *Config) string { return c.Data.Dir }},
	{"BIOGRAPH_REPORTS_DIR", func(c *Config) string { return c.Data.ReportsDir }},
	{"BIOGRAPH_RUN_DB", func(c *Config) string { return c.Data.RunDB }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("BIOGRAPH_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".biograph", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("biograph.yaml"); err == nil {
		return "biograph.yaml"
	}

	return ""
}

// Settings is the resolved runtime configuration consumed by the pipeline.
// It is a snapshot of the environment taken once per command invocation so
// stage code never reads os.Getenv directly.
type Settings struct {
	PubMedEmail   string
	NCBIAPIKey    string
	PubMedBaseURL string

	GeneSymbols []string
	GeneBaseURL string

	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	QdrantHost       string
	QdrantPort       int
	QdrantCollection string
	QdrantAPIKey     string
	QdrantTLS        bool

	EmbeddingProvider   string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingAPIKey     string
	EmbeddingEndpoint   string

	DataDir    string
	ReportsDir string
	RunDBPath  string
}

// FromEnv snapshots the environment into a Settings with defaults applied.
func FromEnv() *Settings {
	return &Settings{
		PubMedEmail:   os.Getenv("PUBMED_EMAIL"),
		NCBIAPIKey:    os.Getenv("NCBI_API_KEY"),
		PubMedBaseURL: envOr("PUBMED_BASE_URL", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"),

		GeneSymbols: splitList(envOr("GENE_SYMBOLS", "TP53,BRCA1,CD19,EGFR,KRAS")),
		GeneBaseURL: envOr("GENE_BASE_URL", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"),

		Neo4jURI:      os.Getenv("NEO4J_URI"),
		Neo4jUsername: envOr("NEO4J_USERNAME", "neo4j"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase: envOr("NEO4J_DATABASE", "neo4j"),

		QdrantHost:       envOr("QDRANT_HOST", "localhost"),
		QdrantPort:       envInt("QDRANT_PORT", 6334),
		QdrantCollection: envOr("QDRANT_COLLECTION", "biomedical-papers"),
		QdrantAPIKey:     os.Getenv("QDRANT_API_KEY"),
		QdrantTLS:        os.Getenv("QDRANT_TLS") == "true",

		EmbeddingProvider:   envOr("EMBEDDING_PROVIDER", "openai"),
		EmbeddingModel:      os.Getenv("EMBEDDING_MODEL"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 0),
		EmbeddingAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingEndpoint:   os.Getenv("EMBEDDING_ENDPOINT"),

		DataDir:    envOr("BIOGRAPH_DATA_DIR", "data"),
		ReportsDir: envOr("BIOGRAPH_REPORTS_DIR", "reports"),
		RunDBPath:  envOr("BIOGRAPH_RUN_DB", filepath.Join("data", "runs.db")),
	}
}

// Missing returns the list of required settings that are absent. The
// pipeline's validate-configuration stage fails the run when this is
// non-empty, before any external call is made.
func (s *Settings) Missing() []string {
	var missing []string
	if s.PubMedEmail == "" {
		missing = append(missing, "PUBMED_EMAIL")
	}
	if s.Neo4jURI == "" {
		missing = append(missing, "NEO4J_URI")
	}
	if s.Neo4jPassword == "" {
		missing = append(missing, "NEO4J_PASSWORD")
	}
	if s.QdrantHost == "" {
		missing = append(missing, "QDRANT_HOST")
	}
	if s.EmbeddingProvider == "openai" && s.EmbeddingAPIKey == "" {
		missing = append(missing, "EMBEDDING_API_KEY")
	}
	if s.DataDir == "" {
		missing = append(missing, "BIOGRAPH_DATA_DIR")
	} else if parent := filepath.Dir(s.DataDir); parent != "." {
		if _, err := os.Stat(parent); err != nil {
			missing = append(missing, "BIOGRAPH_DATA_DIR (parent directory does not exist)")
		}
	}
	return missing
}

// envOr returns the env var value or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt returns the env var parsed as int, or def when unset or invalid.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// splitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
