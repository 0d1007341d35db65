package broker

import (
	"errors"
	"fmt"
)

// ErrorClass buckets venue-specific failures into the retry policy the
// coordinator applies: Transient is retried, Rejected and Fatal are not.
type ErrorClass int

const (
	// Transient covers network timeouts, 5xx responses and rate limiting.
	Transient ErrorClass = iota
	// Rejected covers invalid parameters and insufficient margin.
	Rejected
	// Fatal covers auth failures and unknown instruments; requires operator
	// attention.
	Fatal
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the normalized venue error. Adapters translate raw venue failures
// into this shape so callers branch on Class, never on venue codes.
type Error struct {
	Class   ErrorClass
	Venue   string
	Code    string // venue-native error code, kept for logs
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s (%s): %s", e.Venue, e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Venue, e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(class ErrorClass, venue, code, message string, cause error) *Error {
	return &Error{Class: class, Venue: venue, Code: code, Message: message, Err: cause}
}

// ClassOf extracts the error class, defaulting to Transient for plain errors
// (network-level failures surface as raw *url.Error and the like).
func ClassOf(err error) ErrorClass {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return Transient
}

func IsTransient(err error) bool { return err != nil && ClassOf(err) == Transient }
func IsRejected(err error) bool  { return err != nil && ClassOf(err) == Rejected }
func IsFatal(err error) bool     { return err != nil && ClassOf(err) == Fatal }

// ClassifyHTTPStatus maps an HTTP status to the shared taxonomy: 401/403 and
// 404-on-instrument are fatal, 408/429/5xx transient, remaining 4xx rejected.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == 401 || status == 403:
		return Fatal
	case status == 408 || status == 429 || status >= 500:
		return Transient
	default:
		return Rejected
	}
}
