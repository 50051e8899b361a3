package domain

import (
	"errors"
	"fmt"
	"strings"
)

// TransientRemoteError is a remote failure that may succeed on retry: a
// timeout, a connection failure, a 5xx or a 429 response.
type TransientRemoteError struct {
	Op         string
	StatusCode int
	// Sent is false only when the request is known not to have reached the server.
	Sent bool
	Err  error
}

func (e *TransientRemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// PermanentRemoteError is a remote failure that retrying will not fix.
type PermanentRemoteError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *PermanentRemoteError) Error() string {
	msg := fmt.Sprintf("remote %s: permanent failure", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + truncate(e.Body, 200)
	}
	return msg
}

func (e *PermanentRemoteError) Unwrap() error { return e.Err }

// LocalIOError is a failure to read or persist local state.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// ValidationError reports an input record that cannot be processed as given.
type ValidationError struct {
	Index     int
	PrimaryID string
	Problems  []string
	// Err is the underlying cause, when there is one.
	Err error
}

func (e *ValidationError) Error() string {
	subject := fmt.Sprintf("record %d", e.Index)
	if e.PrimaryID != "" {
		subject = fmt.Sprintf("record %d (%s)", e.Index, e.PrimaryID)
	}
	return fmt.Sprintf("invalid %s: %s", subject, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientRemoteError.
func IsTransient(err error) bool {
	var target *TransientRemoteError
	return errors.As(err, &target)
}

// IsPermanent reports whether err carries a PermanentRemoteError.
func IsPermanent(err error) bool {
	var target *PermanentRemoteError
	return errors.As(err, &target)
}

// IsLocalIO reports whether err carries a LocalIOError.
func IsLocalIO(err error) bool {
	var target *LocalIOError
	return errors.As(err, &target)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
