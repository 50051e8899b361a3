package redcap

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rpattn/qcsync/internal/domain"
)

// transientError is a failed attempt that may succeed when repeated.
type transientError struct {
	sent   bool
	status int
	err    error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// statusError is a failed attempt that will fail again.
type statusError struct {
	status int
	body   string
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var transient *transientError
	return errors.As(err, &transient)
}

// classify maps the final attempt's failure onto the domain error taxonomy.
func classify(op string, err error) error {
	var transient *transientError
	if errors.As(err, &transient) {
		return &domain.TransientRemoteError{Op: op, StatusCode: transient.status, Sent: transient.sent, Err: transient.err}
	}
	var status *statusError
	if errors.As(err, &status) {
		return &domain.PermanentRemoteError{Op: op, StatusCode: status.status, Body: status.body, Err: status.err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.PermanentRemoteError{Op: op, Err: err}
}

// apiError detects {"error": "..."} bodies, which REDCap may send with any status.
func apiError(body []byte) (string, bool) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var payload struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil || payload.Error == nil {
		return "", false
	}
	return *payload.Error, true
}

func responseMessage(body []byte, status string) string {
	if message, ok := apiError(body); ok {
		return message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return status
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return status + ": " + text
}
