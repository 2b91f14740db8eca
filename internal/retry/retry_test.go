package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ status int }

func (e *statusErr) Error() string   { return fmt.Sprintf("API error %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

func fastPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffFactor: 2.0}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 500", &statusErr{500}, true},
		{"http 503", &statusErr{503}, true},
		{"http 401", &statusErr{401}, false},
		{"http 403", &statusErr{403}, false},
		{"http 404", &statusErr{404}, false},
		{"http 429", &statusErr{429}, false},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"chunked body", errors.New("malformed chunked encoding"), true},
		{"generic timeout string", errors.New("dial tcp: i/o timeout"), true},
		{"plain error", errors.New("no quote found for symbol"), false},
		{"permanent wrapper", Permanent(errors.New("connection reset by peer")), false},
		{"context canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	result, err := Do(context.Background(), fastPolicy(), zerolog.Nop(), "fetch", func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &statusErr{502}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(), zerolog.Nop(), "fetch", func(context.Context) (int, error) {
		attempts++
		return 0, &statusErr{404}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "4xx must not be retried")
}

func TestDoSurfacesLastErrorAfterExhaustion(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(), zerolog.Nop(), "fetch", func(context.Context) (int, error) {
		attempts++
		return 0, fmt.Errorf("attempt %d: connection reset", attempts)
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + 3 retries
	assert.Contains(t, err.Error(), "attempt 4")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := Do(ctx, fastPolicy(), zerolog.Nop(), "fetch", func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, attempts)
}

func TestBackoffSequenceIsExponential(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	start := time.Now()

	_, err := Do(context.Background(), p, zerolog.Nop(), "fetch", func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})
	require.Error(t, err)

	// Delays: 10 + 20 + 40 = 70ms minimum.
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}
