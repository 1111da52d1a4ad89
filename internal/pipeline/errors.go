package pipeline

import (
	"fmt"
	"strings"
)

// ConfigError reports required settings that are absent. It aborts the run
// before any external call is made and is never retried.
type ConfigError struct {
	// Missing lists the absent setting names.
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline: missing required configuration: %s", strings.Join(e.Missing, ", "))
}

// StageError is a stage failure after its retry budget is exhausted. It
// aborts the remaining stages. Unwrap reaches the causing error so callers
// can match sentinels through it.
type StageError struct {
	// Stage is the name of the failed stage.
	Stage string
	// Attempts is how many times the stage ran before giving up.
	Attempts int
	// Err is the last error the stage returned, unchanged.
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
