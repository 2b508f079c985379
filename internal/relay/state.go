package relay

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Phase is a relay state machine position.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseAssembling Phase = "ASSEMBLING"
	PhaseStreaming  Phase = "STREAMING"
	PhaseFinalizing Phase = "FINALIZING"
	PhaseDone       Phase = "DONE"
	PhaseFailed     Phase = "FAILED"
)

// State is the ephemeral per-call relay state. Lengths are in runes.
type State struct {
	Phase     Phase
	StartedAt time.Time

	text strings.Builder

	FragmentCount int
	// TotalLength counts every accumulated rune.
	TotalLength int
	// CountedLength skips whitespace-only fragments.
	CountedLength int
	// LastFlushLength is CountedLength at the last flush.
	LastFlushLength int
	// ShownLength is TotalLength at the last flush.
	ShownLength int
	Flushes     int
	LastFlushAt time.Time
}

// Append adds a fragment. Whitespace-only fragments are kept in the text
// but do not count toward the flush threshold.
func (s *State) Append(fragment string) {
	if fragment == "" {
		return
	}
	s.FragmentCount++
	s.text.WriteString(fragment)
	n := utf8.RuneCountInString(fragment)
	s.TotalLength += n
	if strings.TrimSpace(fragment) != "" {
		s.CountedLength += n
	}
}

// AccumulatedText returns everything received so far.
func (s *State) AccumulatedText() string { return s.text.String() }

// HasContent reports whether any non-whitespace text arrived.
func (s *State) HasContent() bool { return s.CountedLength > 0 }

// Unseen reports whether text exists beyond the last flush.
func (s *State) Unseen() bool { return s.TotalLength > s.ShownLength }

// MarkFlushed records a successful push of the full accumulated text.
func (s *State) MarkFlushed(now time.Time) {
	s.Flushes++
	s.LastFlushLength = s.CountedLength
	s.ShownLength = s.TotalLength
	s.LastFlushAt = now
}

// FlushPolicy gates incremental edits.
type FlushPolicy struct {
	Threshold   int
	MinInterval time.Duration
}

// DefaultFlushPolicy returns 40 runes and 700ms.
func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{Threshold: 40, MinInterval: 700 * time.Millisecond}
}

// ShouldFlush decides whether to push an edit now. The first flush fires
// as soon as non-whitespace content exists; later ones need Threshold new
// counted runes and MinInterval since the previous flush.
func (p FlushPolicy) ShouldFlush(s *State, now time.Time) bool {
	pending := s.CountedLength - s.LastFlushLength
	if pending <= 0 {
		return false
	}
	if s.Flushes == 0 {
		return true
	}
	return pending >= p.Threshold && now.Sub(s.LastFlushAt) >= p.MinInterval
}
