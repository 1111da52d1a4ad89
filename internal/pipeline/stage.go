package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// stage is one named, retryable, timeout-bounded unit of pipeline work.
// Stages run strictly one after another; a stage that exhausts its retry
// budget aborts every stage after it.
type stage struct {
	// name identifies the stage in logs, metrics, and reports.
	name string
	// retries is how many times the stage is re-run after its first
	// failure, so total attempts = retries + 1.
	retries int
	// retryDelay is the pause between attempts.
	retryDelay time.Duration
	// timeout bounds each individual attempt's wall-clock time. Zero
	// means unbounded.
	timeout time.Duration
	// run does the work. It receives a context already bounded by
	// timeout and must honor cancellation.
	run func(ctx context.Context) error
}

// execute runs the stage with its retry budget and returns the attempt
// count alongside the final error. On success the error is nil. On
// exhaustion the last attempt's error is returned unchanged so the caller
// can wrap it into a StageError without losing the original.
func (s *stage) execute(ctx context.Context, log *slog.Logger, m *metrics) (int, error) {
	attempts := s.retries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			log.WarnContext(ctx, "retrying stage",
				"stage", s.name,
				"attempt", attempt+1,
				"delay", s.retryDelay.String())
			m.stageRetriesTotal.WithLabelValues(s.name).Inc()
			if err := sleepCtx(ctx, s.retryDelay); err != nil {
				return attempt, err
			}
		}

		lastErr = s.attempt(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			// The run itself is cancelled; retrying cannot help.
			return attempt + 1, lastErr
		}
		log.ErrorContext(ctx, "stage attempt failed",
			"stage", s.name,
			"attempt", attempt+1,
			"error", lastErr)
	}
	return attempts, lastErr
}

// attempt runs the stage body once under its per-attempt timeout.
func (s *stage) attempt(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.run(ctx)
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
