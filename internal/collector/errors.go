package collector

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

// Error kinds surfaced in the result envelope.
const (
	KindFetch           Kind = "fetch_error"
	KindPolicyRejection Kind = "policy_rejection"
	KindLockTimeout     Kind = "lock_timeout"
	KindStorage         Kind = "storage_error"
	KindDecode          Kind = "decode_error"
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout is returned when a key could not be acquired in time.
	ErrLockTimeout = errors.New("lock wait timed out")
	// ErrQueueClosed is returned by an EventQueue once it is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// FetchError reports a failed or non-2xx network fetch.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes the transport error, if any.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Unknown errors are treated as storage failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	var fetchErr *FetchError
	switch {
	case errors.As(err, &fetchErr):
		return KindFetch
	case errors.Is(err, ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindStorage
	}
}
