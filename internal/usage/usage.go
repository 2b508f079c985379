// Package usage records per-relay token and character accounting, best
// effort and off the response path.
package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Event describes one completed relay.
type Event struct {
	RelayID      string        `json:"relay_id"`
	UserID       string        `json:"user_id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Characters   int           `json:"characters"`
	Fragments    int           `json:"fragments"`
	Latency      time.Duration `json:"latency_ns"`
	At           time.Time     `json:"at"`
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Sink delivers events somewhere durable. Sinks may block.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "usage").Logger()}
}

func (s *LogSink) Publish(ctx context.Context, e Event) error {
	s.logger.Info().
		Str("relay_id", e.RelayID).
		Str("user_id", e.UserID).
		Str("provider", e.Provider).
		Str("model", e.Model).
		Int("input_tokens", e.InputTokens).
		Int("output_tokens", e.OutputTokens).
		Int("characters", e.Characters).
		Int("fragments", e.Fragments).
		Dur("latency", e.Latency).
		Msg("usage recorded")
	return nil
}

// Multi fans an event out to several sinks and combines their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Publish(ctx, e))
	}
	return err
}
