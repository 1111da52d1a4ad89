// Package audit provides a structured audit logger for CLI command
// invocations. It logs the command name, resolved configuration source, and
// sanitised environment state so operators can trace what a scheduled run
// saw without exposing secret values.
//
// Secrets are logged as presence/absence only — never their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every audit entry.
var auditKeys = []auditEntry{
	{"PUBMED_EMAIL", false},
	{"NCBI_API_KEY", true},
	{"PUBMED_BASE_URL", false},
	{"GENE_SYMBOLS", false},
	{"NEO4J_URI", false},
	{"NEO4J_USERNAME", false},
	{"NEO4J_PASSWORD", true},
	{"NEO4J_DATABASE", false},
	{"QDRANT_HOST", false},
	{"QDRANT_PORT", false},
	{"QDRANT_COLLECTION", false},
	{"QDRANT_API_KEY", true},
	{"EMBEDDING_PROVIDER", false},
	{"EMBEDDING_MODEL", false},
	{"EMBEDDING_API_KEY", true},
	{"OPENAI_API_KEY", true},
	{"BIOGRAPH_DATA_DIR", false},
	{"BIOGRAPH_REPORTS_DIR", false},
	{"BIOGRAPH_RUN_DB", false},
	{"LOG_LEVEL", false},
	{"LOG_FORMAT", false},
}

// LogCommandStart emits a structured audit log entry when a CLI command
// begins. It records the command name, config file source, and sanitised
// environment.
func LogCommandStart(log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}

	for _, entry := range auditKeys {
		val := os.Getenv(entry.key)
		if entry.secret {
			attrs = append(attrs, slog.String(entry.key, presence(val)))
		} else {
			attrs = append(attrs, slog.String(entry.key, valOrUnset(val)))
		}
	}

	log.LogAttrs(context.TODO(), slog.LevelInfo, "audit: command start", attrs...)
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// valOrUnset returns the value, or "unset" when empty.
func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitiseConfigPath hides the user's home directory prefix from log output.
func sanitiseConfigPath(path string) string {
	if path == "" {
		return "none (env vars only)"
	}
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
