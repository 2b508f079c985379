// Package frontend defines the contract between the relay and the chat
// surfaces it answers on.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// Handle identifies a message previously sent through a FrontEnd.
type Handle struct {
	ChatID    string
	MessageID string
}

// FrontEnd delivers relay output to a user.
type FrontEnd interface {
	// Send posts a new message and returns a handle for later edits.
	Send(ctx context.Context, chatID string, text string) (Handle, error)
	// Edit replaces the text of a sent message. Unchanged text is a no-op.
	Edit(ctx context.Context, h Handle, text string) error
	// Typing shows a transient activity indicator.
	Typing(ctx context.Context, chatID string) error
}

// Finisher is implemented by front-ends that hold per-message state and
// want to know when the relay is done with a handle.
type Finisher interface {
	Finish(ctx context.Context, h Handle, err error)
}

// ErrUndeliverable marks terminal delivery failures (blocked bot, closed
// stream, unknown chat).
var ErrUndeliverable = errors.New("frontend: undeliverable")

// Undeliverable wraps cause so that errors.Is(err, ErrUndeliverable) and
// errors.Is(err, chat.ErrFrontEndDelivery) both hold.
func Undeliverable(op string, cause error) error {
	return &chat.Error{Kind: chat.KindFrontEndDelivery, Op: op, Err: fmt.Errorf("%w: %v", ErrUndeliverable, cause)}
}

// RateLimitError asks the caller to wait before the next call.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited retry_after=%s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited retry_after=%s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Delay reports the requested wait.
func (e *RateLimitError) Delay() time.Duration { return e.RetryAfter }

// IsRateLimited reports whether err asks for a retry later.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
