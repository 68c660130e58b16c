// Package retry implements exponential backoff retry for calls against
// remote FHIR servers, mirroring the retry/backoff policy the ETL pipeline
// was originally distilled from.
package retry

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrExhausted is returned when all configured attempts fail.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Config controls the backoff schedule. Delay for attempt n (0-indexed) is
// min(MaxDelay, BaseDelay * ExpBase^n), plus up to 50% jitter.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ExpBase     float64
}

// DefaultConfig matches the pipeline's documented defaults: 5 attempts,
// 1s base delay, 60s cap, doubling each attempt.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		ExpBase:     2.0,
	}
}

// Outcome classifies the result of a single attempt.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Terminal
)

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// Classify decides whether a completed attempt should be retried. A non-nil
// err with no associated HTTP response (network failure, timeout) is always
// retryable; an err alongside a definitive client error status is terminal.
func Classify(err error, statusCode int) Outcome {
	if err == nil && statusCode == 0 {
		return Success
	}
	if statusCode == 0 {
		return Retryable
	}
	if statusCode >= 200 && statusCode < 300 {
		return Success
	}
	if retryableStatus[statusCode] {
		return Retryable
	}
	return Terminal
}

func jitteredDelay(cfg Config, attempt int, rand func() float64) time.Duration {
	raw := float64(cfg.BaseDelay) * math.Pow(cfg.ExpBase, float64(attempt))
	if raw > float64(cfg.MaxDelay) {
		raw = float64(cfg.MaxDelay)
	}
	jitter := raw * 0.5 * rand()
	return time.Duration(raw + jitter)
}

// Call is the signature of an HTTP-shaped retryable operation: it returns
// the response (may be non-nil even on a retryable error, e.g. a 503) and
// an error describing any transport-level failure.
type Call func(ctx context.Context, attempt int) (*http.Response, int, error)

// Do runs fn up to cfg.MaxAttempts times, sleeping with exponential backoff
// between retryable failures. randFn supplies jitter in [0,1) and defaults
// to a process-wide source when nil; tests pass a deterministic one.
func Do(ctx context.Context, log zerolog.Logger, cfg Config, label string, randFn func() float64, fn Call) (*http.Response, error) {
	if randFn == nil {
		randFn = defaultRand
	}
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		resp, status, err := fn(ctx, attempt)
		switch Classify(err, status) {
		case Success:
			return resp, nil
		case Terminal:
			if err != nil {
				return resp, err
			}
			return resp, nil
		case Retryable:
			lastErr = err
			if lastErr == nil {
				lastErr = httpStatusError(status)
			}
			log.Warn().
				Str("op", label).
				Int("attempt", attempt+1).
				Int("max_attempts", cfg.MaxAttempts).
				Err(lastErr).
				Msg("retrying after transient failure")
			if attempt == cfg.MaxAttempts-1 {
				break
			}
			delay := jitteredDelay(cfg, attempt, randFn)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return nil, errors.Join(ErrExhausted, lastErr)
}

// DoErr is the non-HTTP variant: fn reports success purely via its error
// return, and any non-nil error is treated as retryable until attempts run
// out. It is for bare functions rather than HTTP round trips.
func DoErr(ctx context.Context, log zerolog.Logger, cfg Config, label string, randFn func() float64, fn func(attempt int) error) error {
	if randFn == nil {
		randFn = defaultRand
	}
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn().
			Str("op", label).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxAttempts).
			Err(err).
			Msg("retrying after error")
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		delay := jitteredDelay(cfg, attempt, randFn)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}

type statusError int

func (s statusError) Error() string {
	return http.StatusText(int(s))
}

func httpStatusError(status int) error {
	return statusError(status)
}
