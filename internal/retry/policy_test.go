package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/presetdl/internal/domain"
)

func TestNextDelay(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{100, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.NextDelay(tt.attempt))
		})
	}
}

func TestNextDelay_NoCeiling(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond}
	assert.Equal(t, 1024*time.Millisecond, p.NextDelay(10))
	assert.Positive(t, p.NextDelay(200), "doubling must not overflow")
}

func TestDecide_RetryableLadder(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	err := StatusError(http.StatusServiceUnavailable)

	d := p.Decide(err, 1)
	assert.True(t, d.Retry)
	assert.Equal(t, 100*time.Millisecond, d.Delay)
	assert.Equal(t, 1, d.Retries)

	d = p.Decide(err, 2)
	assert.True(t, d.Retry)
	assert.Equal(t, 200*time.Millisecond, d.Delay)

	d = p.Decide(err, 3)
	assert.False(t, d.Retry)
	assert.Equal(t, 3, d.Retries)
}

func TestDecide_NonRetryableExhaustsImmediately(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour}

	for _, err := range []error{
		StatusError(http.StatusNotFound),
		StatusError(http.StatusForbidden),
		domain.NewIntegrityError(domain.ErrChecksumMismatch),
		domain.NewInvalidError(errors.New("bad url")),
	} {
		d := p.Decide(err, 1)
		assert.False(t, d.Retry, err.Error())
		assert.Zero(t, d.Delay)
		assert.Equal(t, 5, d.Retries)
	}
}

func TestDecide_ZeroRetriesStillAttemptsOnce(t *testing.T) {
	p := Policy{MaxRetries: 0}
	assert.Equal(t, 1, p.Attempts())
	assert.False(t, p.Decide(errors.New("boom"), 1).Retry)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		hint      string
	}{
		{http.StatusUnauthorized, false, "authorization required"},
		{http.StatusForbidden, false, "access denied"},
		{http.StatusNotFound, false, "not found"},
		{http.StatusGone, false, "gone"},
		{http.StatusTeapot, false, "rejected"},
		{http.StatusTooManyRequests, true, "throttling"},
		{http.StatusInternalServerError, true, "server error"},
		{http.StatusBadGateway, true, "server error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := StatusError(tt.code)
			assert.Equal(t, domain.KindHTTPStatus, err.Kind)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Contains(t, err.Hint, tt.hint)
			assert.Contains(t, err.Error(), fmt.Sprintf("HTTP %d", tt.code))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, domain.KindTransport, Classify(errors.New("connection reset")).Kind)
	assert.True(t, Classify(domain.ErrShortBody).Retryable)
	assert.Equal(t, domain.KindIntegrity, Classify(fmt.Errorf("wrap: %w", domain.ErrChecksumMismatch)).Kind)

	te := StatusError(http.StatusNotFound)
	assert.Same(t, te, Classify(fmt.Errorf("wrapped: %w", te)))
}

func TestWait_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(domain.ErrPaused)

	start := time.Now()
	err := Wait(ctx, time.Hour)
	require.ErrorIs(t, err, domain.ErrPaused)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_Elapses(t *testing.T) {
	require.NoError(t, Wait(context.Background(), 5*time.Millisecond))
}
