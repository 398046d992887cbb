package sink

import (
	"errors"
	"fmt"
	"strings"
)

// Error wraps a delivery failure with classification metadata.
type Error struct {
	// Sink is the name of the sink that failed.
	Sink string
	// Code is the transport status code, when the transport has one.
	Code int
	// Message is the failure description.
	Message string
	// Permanent indicates the error will not succeed on retry.
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Sink + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Sink + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent returns true if the error is a permanent failure. Retrying is
// still governed by the envelope's retry budget; the flag is informational.
func IsPermanent(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// ErrNoSubscribers is returned when a broadcast has nobody to go to.
var ErrNoSubscribers = errors.New("sink: broadcast has no subscribers")

// ClassifyHTTPError builds an Error from an HTTP API status code and
// response body, marking failures that will not succeed on retry. It
// returns nil for 2xx codes.
func ClassifyHTTPError(sinkName string, statusCode int, body string) *Error {
	e := &Error{
		Sink:    sinkName,
		Code:    statusCode,
		Message: fmt.Sprintf("status %d: %s", statusCode, body),
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 400:
		e.Permanent = containsAny(body, permanentRequestPatterns)
	case statusCode == 401, statusCode == 403, statusCode == 404:
		e.Permanent = true
	case statusCode == 429:
		// Rate limited.
		e.Permanent = false
	case statusCode >= 500:
		e.Permanent = containsAny(body, permanentServerPatterns)
	default:
		e.Permanent = statusCode >= 400 && statusCode < 500
	}
	return e
}

var permanentRequestPatterns = []string{
	"invalid recipient",
	"invalid email",
	"does not exist",
	"recipient rejected",
	"validation error",
	"invalid address",
}

var permanentServerPatterns = []string{
	"invalid api key",
	"authentication failed",
	"account suspended",
	"account disabled",
}

func containsAny(body string, patterns []string) bool {
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
