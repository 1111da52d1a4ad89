// Package report persists pipeline run artifacts: markdown reports written
// to a local directory and a SQLite index of every run, success or failure.
package report

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes report artifacts into a directory, one file per artifact
// name. It satisfies the pipeline's sink contract; callers treat write
// failures as log-only.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Write stores content under name inside the sink directory. The name is
// flattened to its base so artifacts cannot escape the directory.
func (s *FileSink) Write(name, content string) error {
	path := filepath.Join(s.dir, filepath.Base(name))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return nil
}

// Path returns where an artifact with the given name would be written.
func (s *FileSink) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}
