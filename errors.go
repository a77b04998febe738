package courier

import (
	"errors"
	"unicode/utf8"
)

// MaxErrorLen is the number of runes of an error message kept in stores.
const MaxErrorLen = 1024

var (
	// ErrConflict is wrapped by errors that report a client-side conflict.
	// Conflicts are surfaced synchronously and never retried automatically.
	ErrConflict = errors.New("courier: conflict")
	// ErrNotFound is wrapped by store errors for missing records.
	ErrNotFound = errors.New("courier: not found")
)

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Permanent marks err as a permanent (business) failure.
// Retrying a permanent failure cannot succeed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{err: err}
}

// Transient marks err as a transient failure such as a timeout or an unavailable broker.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return transientError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError

	return errors.As(err, &p)
}

// IsTransient reports whether err should be retried.
// Errors that are not explicitly permanent are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t transientError
	if errors.As(err, &t) {
		return true
	}

	return !IsPermanent(err)
}

// TruncateError returns err's message limited to MaxErrorLen runes.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= MaxErrorLen {
		return msg
	}

	return string([]rune(msg)[:MaxErrorLen])
}
