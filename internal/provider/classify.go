package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

var policyMarkers = []string{
	"content_policy",
	"content_filter",
	"content policy",
	"safety",
	"policy_violation",
	"moderation",
}

// ClassifyStatus maps a failed HTTP response at connect time to a
// classified error. body is included (truncated) for diagnostics.
func ClassifyStatus(op string, status int, body string, retryAfter time.Duration) error {
	e := &chat.Error{Op: op, Status: status, RetryAfter: retryAfter}
	msg := truncate(strings.TrimSpace(body), 400)
	if msg != "" {
		e.Err = errors.New(msg)
	}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status >= 500:
		e.Kind = chat.KindTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		e.Kind = chat.KindConfiguration
	case ContainsPolicyMarker(body):
		e.Kind = chat.KindContentPolicy
	default:
		e.Kind = chat.KindStreamInterrupted
		e.Reason = "request_rejected"
	}
	return e
}

// ClassifyTransport maps a transport failure (no HTTP status) at connect
// time. Cancellation by the caller is returned unchanged.
func ClassifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if chat.KindOf(err) != "" {
		return err
	}
	return chat.NewError(chat.KindTransient, op, err)
}

// Interrupted wraps a mid-stream failure.
func Interrupted(op string, err error) error {
	if err == nil {
		return nil
	}
	if chat.KindOf(err) != "" {
		return err
	}
	return chat.NewError(chat.KindStreamInterrupted, op, err)
}

// ContainsPolicyMarker reports whether text looks like a content refusal.
func ContainsPolicyMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range policyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
