// Package timeoutx wraps operations with a per-attempt timeout and an
// exponential-backoff retry policy, and classifies the terminal error so
// callers can distinguish timeouts from exhausted retries.
package timeoutx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
)

// Config tunes one wrapped operation. Zero values fall back to defaults.
type Config struct {
	Timeout time.Duration // per-attempt deadline (30s)

	// MaxRetries is the number of additional attempts after the first.
	// Zero means the default of 3; pass a negative value for a true
	// one-shot call (SkipRetry covers the per-error case).
	MaxRetries int

	BaseDelay  time.Duration // first backoff delay (1s)
	MaxDelay   time.Duration // backoff ceiling (10s)
	Multiplier float64       // backoff growth factor (2.0)

	// RetryableStatus overrides the status codes DoHTTP and the retry
	// policy consider transient. Nil keeps the default set.
	RetryableStatus []int
}

func (c Config) normalized() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	return c
}

func (c Config) statusSet() map[int]bool {
	if len(c.RetryableStatus) == 0 {
		return defaultRetryableStatus
	}
	set := make(map[int]bool, len(c.RetryableStatus))
	for _, code := range c.RetryableStatus {
		set[code] = true
	}
	return set
}

// TimeoutError reports that the final attempt exceeded the per-attempt
// deadline.
type TimeoutError struct {
	Timeout time.Duration
	Attempt int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s (attempt %d)", e.Timeout, e.Attempt)
}

// RetryExhaustedError reports that all attempts failed. Err holds the last
// attempt's error.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// StatusError carries an upstream HTTP-style status code through the retry
// decision.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// SkipRetry marks an error as terminal: the wrapper fails immediately
// without reattempting.
func SkipRetry(err error) error {
	if err == nil {
		return nil
	}
	return &skipRetryError{err: err}
}

type skipRetryError struct{ err error }

func (e *skipRetryError) Error() string { return e.err.Error() }
func (e *skipRetryError) Unwrap() error { return e.err }

// defaultRetryableStatus holds the status codes worth reattempting unless
// overridden: request timeout, rate limiting, and transient server errors.
var defaultRetryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Retryable reports whether err is worth another attempt under the default
// status set. Context cancellation and SkipRetry-wrapped errors are
// terminal; StatusError is judged by its code; everything else (network
// errors, per-attempt timeouts) is retried.
func Retryable(err error) bool {
	return retryable(err, defaultRetryableStatus)
}

func retryable(err error, statuses map[int]bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var skip *skipRetryError
	if errors.As(err, &skip) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return statuses[status.Code]
	}
	return true
}

// Do runs fn with a per-attempt timeout and exponential backoff between
// attempts. The terminal error is a *TimeoutError when the last attempt
// hit the deadline, a *RetryExhaustedError when the retry budget ran out,
// or ctx.Err() when the surrounding context ended.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()
	statuses := cfg.statusSet()

	retry := retrypolicy.NewBuilder[T]().
		WithBackoffFactor(cfg.BaseDelay, cfg.MaxDelay, cfg.Multiplier).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool { return retryable(err, statuses) }).
		ReturnLastFailure().
		Build()
	perAttempt := timeout.New[T](cfg.Timeout)

	var attempts int
	result, err := failsafe.With(retry, perAttempt).
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[T]) (T, error) {
			attempts = exec.Attempts()
			return fn(exec.Context())
		})
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(err, timeout.ErrExceeded) {
		return result, &TimeoutError{Timeout: cfg.Timeout, Attempt: attempts}
	}
	if attempts > 1 || errors.Is(err, retrypolicy.ErrExceeded) {
		var skip *skipRetryError
		if !errors.As(err, &skip) {
			return result, &RetryExhaustedError{Attempts: attempts, Err: err}
		}
	}
	return result, unwrapSkip(err)
}

// DoHTTP sends req through Do, cloning the request per attempt so the
// attempt context carries the per-attempt deadline. Non-retryable status
// codes pass through as a successful response; retryable ones surface as
// *StatusError so the policy reattempts.
func DoHTTP(ctx context.Context, cfg Config, client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	statuses := cfg.statusSet()
	return Do(ctx, cfg, func(attemptCtx context.Context) (*http.Response, error) {
		resp, err := client.Do(req.Clone(attemptCtx))
		if err != nil {
			return nil, err
		}
		if statuses[resp.StatusCode] {
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return resp, nil
	})
}

func unwrapSkip(err error) error {
	var skip *skipRetryError
	if errors.As(err, &skip) {
		return skip.err
	}
	return err
}
