package chat

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is a binary attachment owned by a Turn.
type Image struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Turn is one message in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Image     *Image    `json:"image,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable per-user state.
type Session struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	History      []Turn    `json:"history"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a copy whose history can be modified without touching s.
// Image payloads are shared since stored turns never mutate them.
func (s Session) Clone() Session {
	out := s
	if s.History != nil {
		out.History = make([]Turn, len(s.History))
		copy(out.History, s.History)
	}
	return out
}

// TrimHistory keeps the most recent window turns, oldest dropped first.
// A non-positive window keeps everything.
func TrimHistory(history []Turn, window int) []Turn {
	if window <= 0 || len(history) <= window {
		return history
	}
	trimmed := make([]Turn, window)
	copy(trimmed, history[len(history)-window:])
	return trimmed
}
