package store

import (
	"context"
	"sync"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// Memory keeps sessions in process memory.
type Memory struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*chat.Session
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), sessions: map[string]*chat.Session{}}
}

func (m *Memory) Get(ctx context.Context, userID string) (chat.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[userID]
	if ok {
		out := s.Clone()
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(userID).Clone(), nil
}

// load returns the stored session, creating it. Caller holds the write lock.
func (m *Memory) load(userID string) *chat.Session {
	s, ok := m.sessions[userID]
	if !ok {
		fresh := m.opts.fresh(userID)
		s = &fresh
		m.sessions[userID] = s
	}
	return s
}

func (m *Memory) AppendTurn(ctx context.Context, userID string, turns ...chat.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.load(userID)
	history := make([]chat.Turn, 0, len(s.History)+len(turns))
	history = append(history, s.History...)
	history = append(history, turns...)
	s.History = chat.TrimHistory(history, m.opts.Window)
	return nil
}

func (m *Memory) SetProvider(ctx context.Context, userID, provider string) error {
	if err := m.opts.validate(provider); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load(userID).Provider = provider
	return nil
}

func (m *Memory) MaybeResetOnIdle(ctx context.Context, userID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.load(userID)
	reset := len(s.History) > 0 && idleExpired(s.LastActivity, now, m.opts.IdleThreshold)
	if reset {
		s.History = nil
	}
	s.LastActivity = now
	return reset, nil
}

func (m *Memory) ClearHistory(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load(userID).History = nil
	return nil
}

func (m *Memory) Close() error { return nil }
