// Package retry decides whether a failed transfer is attempted again and how
// long to wait before doing so.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/datallboy/presetdl/internal/domain"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 60 * time.Second
)

// Policy is an exponential backoff ladder with a ceiling on attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// NextDelay returns min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		// Stop doubling before it can overflow or pass the ceiling
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Attempts is the number of transfers tried for one submission, at least one.
func (p Policy) Attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// Decision is what the caller should do after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Retries is the retry count to record on the task.
	Retries int
}

// Decide is called after the failure numbered failures (1-based).
// Non-retryable errors exhaust the budget at once with no delay.
func (p Policy) Decide(err error, failures int) Decision {
	limit := p.Attempts()
	if !IsRetryable(err) {
		return Decision{Retry: false, Retries: limit}
	}
	if failures >= limit {
		return Decision{Retry: false, Retries: failures}
	}
	return Decision{Retry: true, Delay: p.NextDelay(failures - 1), Retries: failures}
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// IsRetryable reports whether another attempt has a chance of succeeding.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *domain.TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return Classify(err).Retryable
}

// Classify converts an arbitrary transport error into a TransferError.
func Classify(err error) *domain.TransferError {
	var te *domain.TransferError
	if errors.As(err, &te) {
		return te
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		return domain.NewTransportError(err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return domain.NewTransportError(err)
	case errors.Is(err, domain.ErrShortBody), errors.Is(err, domain.ErrRangeNotSatisfiable):
		return domain.NewTransportError(err)
	case errors.Is(err, domain.ErrChecksumMismatch):
		return domain.NewIntegrityError(err)
	}

	// Unknown read errors mid stream are treated as transient
	return domain.NewTransportError(err)
}

// StatusError maps a non-success HTTP status to a TransferError with a
// remediation hint the caller can show as is.
func StatusError(code int) *domain.TransferError {
	te := &domain.TransferError{
		Kind:       domain.KindHTTPStatus,
		StatusCode: code,
		Err:        errors.New(http.StatusText(code)),
	}

	switch {
	case code == http.StatusUnauthorized:
		te.Hint = "authorization required: this host needs an access token"
	case code == http.StatusForbidden:
		te.Hint = "access denied: accept the model license on the hosting site or check token permissions"
	case code == http.StatusNotFound:
		te.Hint = "not found: the file may have been moved or removed upstream"
	case code == http.StatusGone:
		te.Hint = "gone: the file was permanently removed upstream"
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly,
		code == http.StatusTooManyRequests:
		te.Retryable = true
		te.Hint = "server is throttling requests"
	case code >= 500:
		te.Retryable = true
		te.Hint = "server error"
	case code >= 400:
		te.Hint = "request rejected by server"
	default:
		te.Retryable = true
		te.Hint = "unexpected response"
	}
	return te
}
