// Package retry wraps fallible operations with exponential backoff over
// transient network faults.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Policy controls retry behavior. Delay for attempt n is
// BaseDelay * BackoffFactor^n.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
}

// DefaultPolicy matches the upstream adapters' needs: three retries with a
// doubling one-second backoff.
var DefaultPolicy = Policy{
	MaxRetries:    3,
	BaseDelay:     1 * time.Second,
	BackoffFactor: 2.0,
}

// statusCarrier is implemented by HTTP-layer errors that know their status
// code (broker.APIError, providers.APIError).
type statusCarrier interface {
	HTTPStatus() int
}

// permanentError marks an error as never retryable regardless of its shape.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the policy will never retry it. Used for explicit
// data-rejection errors that would otherwise string-match a transient
// pattern.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient classifies an error as retryable. HTTP 5xx, connection faults,
// timeouts, resets and truncated bodies retry; 4xx (including 401/403/404/429)
// and explicitly permanent errors never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc statusCarrier
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"malformed chunked",
		"unexpected eof",
		"broken pipe",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Do runs fn under the policy, sleeping BaseDelay * BackoffFactor^n between
// attempts. After exhaustion the last captured error is surfaced.
func Do[T any](ctx context.Context, p Policy, log zerolog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := p.BaseDelay
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == p.MaxRetries {
			break
		}

		log.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("transient error, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		delay = time.Duration(float64(delay) * p.BackoffFactor)
	}

	return zero, lastErr
}
