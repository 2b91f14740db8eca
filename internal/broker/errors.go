package broker

import (
	"errors"
	"fmt"
)

// APIError represents a broker API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// HTTPStatus reports the status code for retry classification.
func (e *APIError) HTTPStatus() int { return e.Status }

// AuthError indicates the bearer token was refused. Tokens are not
// interchangeable across environments, so the label tells the user which
// credential to fix.
type AuthError struct {
	Env Env
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker authentication failed for %s environment: check token", e.Env)
}

// HTTPStatus marks auth failures as non-retryable.
func (e *AuthError) HTTPStatus() int { return 401 }

// OrderRejectedError is raised when the broker returns 200 on placement but
// the order resource settles to rejected. Carries the broker-supplied reason.
// Never retried automatically.
type OrderRejectedError struct {
	OrderID int
	Reason  string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order %d rejected by broker: %s", e.OrderID, e.Reason)
}

// ErrRateLimited signals a remote 429 despite local pacing; callers must
// back off further.
var ErrRateLimited = errors.New("broker rate limit exceeded")
