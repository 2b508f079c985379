// Package store persists per-user chat sessions.
package store

import (
	"context"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// Store is the session persistence contract. Implementations are safe for
// concurrent use across users; ordering of calls for one user is the
// caller's job.
type Store interface {
	// Get returns the user's session, or a fresh default one.
	Get(ctx context.Context, userID string) (chat.Session, error)
	// AppendTurn appends turns atomically and trims history to the window.
	AppendTurn(ctx context.Context, userID string, turns ...chat.Turn) error
	// SetProvider selects the backend for future turns.
	SetProvider(ctx context.Context, userID, provider string) error
	// MaybeResetOnIdle clears history when the user has been idle longer
	// than the threshold and always records now as the last activity. It
	// reports true only when turns were dropped.
	MaybeResetOnIdle(ctx context.Context, userID string, now time.Time) (bool, error)
	// ClearHistory drops all stored turns.
	ClearHistory(ctx context.Context, userID string) error
	Close() error
}

// Validator checks provider names; the provider registry implements it.
type Validator interface {
	Validate(name string) error
}

const (
	DefaultWindow        = 10
	DefaultIdleThreshold = 2 * time.Hour
)

// Options are shared by every backend.
type Options struct {
	Window          int
	IdleThreshold   time.Duration
	DefaultProvider string
	Validator       Validator
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	return o
}

func (o Options) fresh(userID string) chat.Session {
	return chat.Session{UserID: userID, Provider: o.DefaultProvider}
}

func (o Options) validate(name string) error {
	if o.Validator == nil {
		return nil
	}
	if err := o.Validator.Validate(name); err != nil {
		if chat.KindOf(err) == "" {
			return chat.NewError(chat.KindUnknownProvider, "store.set_provider", err)
		}
		return err
	}
	return nil
}

// idleExpired reports whether a session last active at last has been idle
// strictly longer than threshold. A session never active never expires.
func idleExpired(last, now time.Time, threshold time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > threshold
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
