// Package ratelimit provides an adaptive rate limiter for outbound calls to
// external APIs (PubMed E-utilities, NCBI gene, embedding backends).
// It combines three mechanisms behind a single Acquire call:
//
//   - a token bucket (golang.org/x/time/rate) for per-second pacing with
//     burst support,
//   - a sliding window enforcing a hard per-minute cap,
//   - a circuit breaker that fails fast while the upstream is broken and
//     probes recovery after a cooldown.
//
// A Limiter instance is created per pipeline stage and discarded when the
// stage completes. Callers within one stage may share a Limiter; they are
// serialized through its mutex so no token is granted while another refill
// or window cleanup is in flight.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned by Acquire when the circuit breaker is OPEN.
// No token is consumed and no external call should be attempted. Callers
// can distinguish it from upstream errors with errors.Is.
var ErrCircuitOpen = errors.New("ratelimit: circuit breaker is open")

// windowSpan is the trailing interval covered by the sliding window.
const windowSpan = time.Minute

// halfOpenSuccessTarget is the number of consecutive recorded successes a
// HALF_OPEN circuit needs before it closes again.
const halfOpenSuccessTarget = 3

// CircuitState is the circuit breaker state.
type CircuitState string

const (
	// CircuitClosed is normal operation.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects all acquisitions until the cooldown elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen probes recovery after the cooldown.
	CircuitHalfOpen CircuitState = "half_open"
)

// Config holds the immutable tuning for one Limiter.
type Config struct {
	// RequestsPerSecond is the sustained token refill rate. Must be > 0.
	RequestsPerSecond float64
	// RequestsPerMinute is the hard cap on requests in any trailing minute.
	RequestsPerMinute int
	// BurstSize is the token bucket capacity. Must be >= 1.
	BurstSize int
	// RetryAttempts is the total number of attempts Do makes, including
	// the first one.
	RetryAttempts int
	// BaseDelay is the backoff delay before the second attempt.
	// Must not exceed MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// CircuitFailureThreshold is the number of consecutive failures that
	// opens the circuit.
	CircuitFailureThreshold int
	// CircuitTimeout is the cooldown after which an OPEN circuit is probed.
	CircuitTimeout time.Duration
}

// withDefaults fills zero-valued fields with conservative defaults matching
// the published PubMed API limits.
func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 3.0
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 100
	}
	if c.BurstSize < 1 {
		c.BurstSize = 10
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.BaseDelay > c.MaxDelay {
		c.BaseDelay = c.MaxDelay
	}
	if c.CircuitFailureThreshold < 1 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitTimeout <= 0 {
		c.CircuitTimeout = 5 * time.Minute
	}
	return c
}

// Stats is a read-only snapshot of a Limiter, used for run reports only —
// never for control decisions.
type Stats struct {
	// TokensAvailable is the current token bucket fill.
	TokensAvailable float64
	// RequestsInLastMinute is the sliding window occupancy.
	RequestsInLastMinute int
	// CircuitState is the breaker state at snapshot time.
	CircuitState CircuitState
	// FailureCount is the consecutive failure count feeding the breaker.
	FailureCount int
	// Config echoes the static tuning for report context.
	Config Config
}

// Limiter is an adaptive rate limiter with a circuit breaker.
// It is safe for concurrent use; all state is guarded by one mutex so
// concurrent acquirers serialize in roughly FIFO order.
type Limiter struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	bucket *rate.Limiter
	// window holds the issue times of requests in the trailing minute,
	// oldest first. Capacity never exceeds cfg.RequestsPerMinute.
	window []time.Time

	state             CircuitState
	failureCount      int
	lastFailure       time.Time
	halfOpenSuccesses int

	// now and sleep are seams for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Limiter from cfg, applying defaults for zero fields.
// The logger may be nil.
func New(cfg Config, log *slog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		cfg:    cfg,
		log:    log,
		bucket: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		window: make([]time.Time, 0, cfg.RequestsPerMinute),
		state:  CircuitClosed,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire blocks until one request may be issued, honouring the circuit
// breaker, the per-minute window, and the token bucket, in that order.
// It returns ErrCircuitOpen without consuming a token when the breaker is
// OPEN and its cooldown has not elapsed, or ctx.Err() if ctx is cancelled
// while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == CircuitOpen {
		if l.lastFailure.IsZero() || l.now().Sub(l.lastFailure) < l.cfg.CircuitTimeout {
			return ErrCircuitOpen
		}
		l.log.Info("circuit breaker entering half-open state")
		l.state = CircuitHalfOpen
		l.halfOpenSuccesses = 0
	}

	// Per-minute window: wait for the oldest entry to age out while the
	// window is saturated. Sleep durations are lower bounds, so re-evict
	// and re-check after every sleep.
	for {
		now := l.now()
		l.evict(now)
		if len(l.window) < l.cfg.RequestsPerMinute {
			break
		}
		wait := windowSpan - now.Sub(l.window[0])
		if wait <= 0 {
			continue
		}
		l.log.Warn("per-minute limit reached", slog.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	// Token bucket: Wait sleeps for the exact deficit and consumes one
	// token on return. Refill is continuous at RequestsPerSecond, capped
	// at BurstSize.
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}

	l.window = append(l.window, l.now())
	return nil
}

// RecordSuccess feeds a successful call outcome to the circuit breaker.
// Three consecutive successes close a HALF_OPEN circuit; a success while
// CLOSED resets the failure count.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case CircuitHalfOpen:
		l.halfOpenSuccesses++
		if l.halfOpenSuccesses >= halfOpenSuccessTarget {
			l.log.Info("circuit breaker closing, upstream recovered")
			l.state = CircuitClosed
			l.failureCount = 0
		}
	case CircuitClosed:
		l.failureCount = 0
	}
}

// RecordFailure feeds a failed call outcome to the circuit breaker.
// Any failure while HALF_OPEN reopens the circuit immediately; while
// CLOSED the circuit opens once the failure threshold is reached.
func (l *Limiter) RecordFailure(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failureCount++
	l.lastFailure = l.now()

	l.log.Warn("request failed",
		slog.Int("failures", l.failureCount),
		slog.Int("threshold", l.cfg.CircuitFailureThreshold),
		slog.String("error", err.Error()),
	)

	switch {
	case l.state == CircuitHalfOpen:
		l.log.Error("circuit breaker opening, failure while half-open")
		l.state = CircuitOpen
	case l.failureCount >= l.cfg.CircuitFailureThreshold:
		l.log.Error("circuit breaker opening",
			slog.Int("consecutive_failures", l.failureCount))
		l.state = CircuitOpen
	}
}

// Do runs op under the limiter with up to Config.RetryAttempts attempts.
// Each attempt acquires a slot, invokes op, and records the outcome on the
// circuit breaker. Between attempts it sleeps for an exponential backoff
// with ±20% jitter. When all attempts fail, the last error is returned
// unchanged so callers see the original failure.
func (l *Limiter) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < l.cfg.RetryAttempts; attempt++ {
		err := l.attempt(ctx, op)
		if err == nil {
			l.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation is not an upstream failure; stop without
			// feeding the breaker or burning further attempts.
			return err
		}

		lastErr = err
		l.RecordFailure(err)

		if attempt < l.cfg.RetryAttempts-1 {
			delay := l.backoff(attempt)
			l.log.Warn("attempt failed, backing off",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", l.cfg.RetryAttempts),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			if serr := l.sleep(ctx, delay); serr != nil {
				return lastErr
			}
		} else {
			l.log.Error("all retry attempts exhausted",
				slog.Int("attempts", l.cfg.RetryAttempts))
		}
	}

	return lastErr
}

// attempt performs one acquire+invoke cycle.
func (l *Limiter) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return op(ctx)
}

// backoff returns min(BaseDelay * 2^attempt, MaxDelay) with ±20% jitter.
func (l *Limiter) backoff(attempt int) time.Duration {
	delay := l.cfg.BaseDelay << uint(attempt)
	if delay > l.cfg.MaxDelay || delay <= 0 {
		delay = l.cfg.MaxDelay
	}
	jitter := time.Duration(float64(delay) * 0.2 * (2*rand.Float64() - 1))
	return delay + jitter
}

// Stats returns a point-in-time snapshot for observability.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(l.now())
	return Stats{
		TokensAvailable:      l.bucket.Tokens(),
		RequestsInLastMinute: len(l.window),
		CircuitState:         l.state,
		FailureCount:         l.failureCount,
		Config:               l.cfg,
	}
}

// evict drops window entries aged one minute or more. Callers must hold mu.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-windowSpan)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
