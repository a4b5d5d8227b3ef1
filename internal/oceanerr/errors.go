package oceanerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry and reporting decisions
type Kind string

const (
	// KindConfig represents an invalid configuration or missing credentials
	KindConfig Kind = "config"
	// KindAuth represents a rejected authentication
	KindAuth Kind = "auth"
	// KindTransientRemote represents a retryable remote failure (5xx, timeout, 429)
	KindTransientRemote Kind = "transient_remote"
	// KindPermanentRemote represents a non-retryable remote failure (4xx other than 401/429)
	KindPermanentRemote Kind = "permanent_remote"
	// KindMapping represents a per-record mapping failure
	KindMapping Kind = "mapping"
	// KindFetcher represents a failure raised by a user-supplied fetcher
	KindFetcher Kind = "fetcher"
	// KindInternal represents an unclassified runtime failure
	KindInternal Kind = "internal"
)

// Error is a classified runtime error
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	StatusCode int
	RetryAfter time.Duration
	Details    map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same kind
func (e *Error) Is(target error) bool {
	var oe *Error
	if errors.As(target, &oe) {
		return oe.Kind == e.Kind
	}
	return false
}

// WithDetail attaches a key/value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a classified error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause with a kind and message
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf wraps a cause with added context, keeping its classification
func Wrapf(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindOf(cause), Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Config creates a configuration error
func Config(message string) *Error {
	return New(KindConfig, message)
}

// Configf creates a formatted configuration error
func Configf(format string, args ...interface{}) *Error {
	return Newf(KindConfig, format, args...)
}

// Auth creates an authentication error
func Auth(message string) *Error {
	return New(KindAuth, message)
}

// Mapping creates a per-record mapping error
func Mapping(message string, cause error) *Error {
	return &Error{Kind: KindMapping, Message: message, Cause: cause}
}

// Mappingf creates a formatted mapping error
func Mappingf(format string, args ...interface{}) *Error {
	return Newf(KindMapping, format, args...)
}

// Fetcher wraps a user-supplied fetcher failure
func Fetcher(kind string, cause error) *Error {
	e := Wrap(KindFetcher, "fetcher failed", cause)
	return e.WithDetail("kind", kind)
}

// FromStatus classifies an HTTP response status
func FromStatus(status int, message string) *Error {
	e := &Error{Message: message, StatusCode: status}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindTransientRemote
	case status >= 500:
		e.Kind = KindTransientRemote
	case status >= 400:
		e.Kind = KindPermanentRemote
	default:
		e.Kind = KindInternal
	}
	return e
}

// KindOf extracts the kind of an error, KindInternal when unclassified
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error should be retried
func IsRetryable(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}
	return KindOf(err) == KindTransientRemote
}

// IsCanceled reports whether the error stems from cancellation or deadline expiry
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// RetryAfterOf extracts a server-requested retry delay, zero when absent
func RetryAfterOf(err error) time.Duration {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.RetryAfter
	}
	return 0
}
