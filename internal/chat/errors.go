package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies relay failures.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindUnknownProvider   Kind = "unknown_provider"
	KindTransient         Kind = "transient"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindContentPolicy     Kind = "content_policy"
	KindNoContent         Kind = "no_content"
	KindFrontEndDelivery  Kind = "frontend_delivery"
)

type kindError Kind

func (k kindError) Error() string { return string(k) }

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrConfiguration     error = kindError(KindConfiguration)
	ErrUnknownProvider   error = kindError(KindUnknownProvider)
	ErrTransientProvider error = kindError(KindTransient)
	ErrStreamInterrupted error = kindError(KindStreamInterrupted)
	ErrContentPolicy     error = kindError(KindContentPolicy)
	ErrNoContentProduced error = kindError(KindNoContent)
	ErrFrontEndDelivery  error = kindError(KindFrontEndDelivery)
)

// Error carries a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Reason != "" {
		b.WriteString(" reason=")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && Kind(k) == e.Kind
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k kindError
	if errors.As(err, &k) {
		return Kind(k)
	}
	return ""
}

// ReasonOf returns the reason recorded on a classified error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// RetryAfterOf returns the server-requested delay, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err may be retried at connection time.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
