// Package providers holds the upstream data adapters: options/IV market
// data, fundamentals and ratings, news sentiment. Each adapter normalizes
// its provider's shapes into the models package records and classifies
// failures so the scanner can degrade instead of aborting.
package providers

import (
	"errors"
	"fmt"
)

// ErrForbidden marks a tier/permission denial. Callers degrade gracefully
// (skip the component) rather than failing the scan.
var ErrForbidden = errors.New("provider endpoint forbidden for current tier")

// ErrUnavailable marks an upstream outage; callers may fall back to an
// alternate source.
var ErrUnavailable = errors.New("provider unavailable")

// ErrNotConfigured is returned when an adapter is called without credentials.
var ErrNotConfigured = errors.New("provider not configured")

// APIError is a non-OK provider response.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// HTTPStatus reports the status code for retry classification.
func (e *APIError) HTTPStatus() int { return e.Status }

// classifyStatus maps a provider status code onto the sentinel taxonomy.
// 401/403 become ErrForbidden (wrapped so the status stays visible); other
// failures stay APIError so the retry layer can classify 5xx as transient.
func classifyStatus(provider string, status int, body string) error {
	switch status {
	case 401, 403:
		return fmt.Errorf("%w: %s returned %d", ErrForbidden, provider, status)
	default:
		return &APIError{Provider: provider, Status: status, Body: body}
	}
}

// markUnavailable converts an exhausted 5xx into the unavailable sentinel so
// callers can fall back; everything else passes through.
func markUnavailable(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 500 {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
