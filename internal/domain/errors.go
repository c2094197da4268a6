package domain

import (
	"errors"
	"fmt"
)

// ErrPaused is the cancellation cause attached to a task context when the
// user pauses its group.
var ErrPaused = errors.New("download paused")

// ErrCancelled is the cancellation cause attached to a task context when the
// user cancels its group.
var ErrCancelled = errors.New("download cancelled")

// ErrChecksumMismatch indicates the downloaded bytes do not match the
// expected digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrShortBody indicates the server closed the stream before the declared size.
var ErrShortBody = errors.New("response ended before expected size")

// ErrRangeNotSatisfiable indicates the server refused to resume a partial file.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// ErrorKind classifies a task failure.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindTransport  ErrorKind = "transport"
	KindHTTPStatus ErrorKind = "http_status"
	KindIntegrity  ErrorKind = "integrity"
	KindConfig     ErrorKind = "config"
	KindInvalid    ErrorKind = "invalid_request"
	KindInternal   ErrorKind = "internal"
)

// TransferError carries the classification of a failed attempt.
type TransferError struct {
	Kind       ErrorKind
	StatusCode int
	Hint       string
	Retryable  bool
	Err        error
}

func (e *TransferError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	if e.Hint != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Hint)
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// NewTransportError wraps a network level failure. These are always retryable.
func NewTransportError(err error) *TransferError {
	return &TransferError{Kind: KindTransport, Retryable: true, Err: err}
}

// NewIntegrityError wraps a checksum failure. Never retryable.
func NewIntegrityError(err error) *TransferError {
	return &TransferError{Kind: KindIntegrity, Err: err}
}

// NewInvalidError is used for requests that can never succeed as written
// (malformed URL, unsupported scheme).
func NewInvalidError(err error) *TransferError {
	return &TransferError{Kind: KindInvalid, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindInternal when err is
// not a TransferError.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}
