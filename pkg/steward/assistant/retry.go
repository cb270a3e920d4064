// retry.go wraps outbound provider calls with bounded, jittered
// exponential backoff. Failures are classified as retryable (rate
// limit, overload, timeout, transient 5xx) or fatal; exhausting the
// attempt budget surfaces a distinguishable *RetriesExhaustedError so
// callers can tell transient exhaustion from a one-shot fatal failure.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind int

const (
	ErrKindTransient  ErrorKind = iota // generic retryable (5xx)
	ErrKindRateLimit                   // 429
	ErrKindOverloaded                  // 529 or "overloaded" in body
	ErrKindTimeout                     // deadline / timed out signatures
	ErrKindAuth                        // 401, 403
	ErrKindBilling                     // 402, quota exhausted
	ErrKindContext                     // context window exceeded
	ErrKindBadRequest                  // 400
	ErrKindFatal                       // everything else
)

// String returns a short label for logging.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindRateLimit:
		return "rate_limit"
	case ErrKindOverloaded:
		return "overloaded"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindAuth:
		return "auth"
	case ErrKindBilling:
		return "billing"
	case ErrKindContext:
		return "context"
	case ErrKindBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// Retryable reports whether the kind warrants another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransient, ErrKindRateLimit, ErrKindOverloaded, ErrKindTimeout:
		return true
	default:
		return false
	}
}

// ClassifyError maps an HTTP status plus response body to an ErrorKind.
// Body signatures take precedence over the status code because several
// providers report rate limits and overloads under generic statuses.
func ClassifyError(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "prompt is too long") {
		return ErrKindContext
	}
	if statusCode == 402 ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "billing") {
		return ErrKindBilling
	}
	if statusCode == 429 ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") {
		return ErrKindRateLimit
	}
	if statusCode == 529 || strings.Contains(lower, "overloaded") {
		return ErrKindOverloaded
	}
	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") {
		return ErrKindTimeout
	}

	switch statusCode {
	case 400:
		return ErrKindBadRequest
	case 401, 403:
		return ErrKindAuth
	case 500, 502, 503, 504, 521, 522, 523, 524:
		return ErrKindTransient
	default:
		if statusCode >= 500 {
			return ErrKindTransient
		}
		return ErrKindFatal
	}
}

// classifier lets errors expose their own kind (apiError does).
type classifier interface {
	Kind() ErrorKind
	RetryAfter() time.Duration
}

// kindOf extracts the ErrorKind from an error chain, defaulting to
// timeout for context deadline errors and fatal otherwise.
func kindOf(err error) ErrorKind {
	var c classifier
	if errors.As(err, &c) {
		return c.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ClassifyError(0, err.Error())
}

// retryAfterOf returns a provider-requested delay, if any.
func retryAfterOf(err error) time.Duration {
	var c classifier
	if errors.As(err, &c) {
		return c.RetryAfter()
	}
	return 0
}

// RetriesExhaustedError is returned once the attempt budget is spent on
// retryable failures. It wraps the last failure.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, first call included.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoffMs is the base delay before the first retry.
	InitialBackoffMs int `yaml:"initial_backoff_ms"`

	// MaxBackoffMs caps the exponential growth.
	MaxBackoffMs int `yaml:"max_backoff_ms"`

	// JitterFraction is the symmetric random jitter applied to each
	// delay (0.25 = ±25%).
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultRetryPolicy matches typical provider guidance: three attempts,
// 500ms base, 30s cap, ±25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		InitialBackoffMs: 500,
		MaxBackoffMs:     30_000,
		JitterFraction:   0.25,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (p RetryPolicy) Effective() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.InitialBackoffMs <= 0 {
		out.InitialBackoffMs = 500
	}
	if out.MaxBackoffMs <= 0 {
		out.MaxBackoffMs = 30_000
	}
	if out.JitterFraction <= 0 {
		out.JitterFraction = 0.25
	}
	return out
}

// Delay computes the wait before retry number attempt (0-based):
// min(base·2^attempt, cap) plus symmetric jitter. A provider-requested
// retryAfter overrides the computed delay when longer, still capped.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	base := time.Duration(p.InitialBackoffMs) * time.Millisecond
	maxb := time.Duration(p.MaxBackoffMs) * time.Millisecond

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxb {
			d = maxb
			break
		}
	}
	if retryAfter > d {
		d = retryAfter
	}
	if d > maxb {
		d = maxb
	}

	jitter := time.Duration(float64(d) * p.JitterFraction * (2*rand.Float64() - 1))
	return d + jitter
}

// RunWithRetry executes op under the policy. Fatal failures return
// immediately; retryable failures back off and retry until the attempt
// budget is spent, then surface as *RetriesExhaustedError.
func RunWithRetry[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy = policy.Effective()

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := kindOf(err)
		if !kind.Retryable() {
			return zero, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Delay(attempt, retryAfterOf(err))
		if logger != nil {
			logger.Info("retrying after transient provider error",
				"attempt", attempt+1,
				"max_attempts", policy.MaxAttempts,
				"kind", kind.String(),
				"backoff_ms", delay.Milliseconds(),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return zero, &RetriesExhaustedError{Attempts: policy.MaxAttempts, Last: lastErr}
}
