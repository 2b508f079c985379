package provider

import (
	"context"
	"time"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
)

// Kind selects the client implementation for a descriptor.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindDummy     Kind = "dummy"
)

// Descriptor is the static configuration of one named backend.
type Descriptor struct {
	Name                string
	Kind                Kind
	Model               string
	MaxTokens           int
	Temperature         float64
	SupportsVision      bool
	RequiresAlternation bool
	Stateless           bool
	SystemPrompt        string

	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Script drives dummy providers.
	Script string
}

// Profile returns the assembler rules for this backend.
func (d Descriptor) Profile() ctxpkg.Profile {
	return ctxpkg.Profile{
		SystemPrompt:        d.SystemPrompt,
		SupportsVision:      d.SupportsVision,
		RequiresAlternation: d.RequiresAlternation,
		Stateless:           d.Stateless,
	}
}

// Options returns the per-call generation options for this backend.
func (d Descriptor) Options() Options {
	return Options{MaxTokens: d.MaxTokens, Temperature: d.Temperature}
}

// Options are generation parameters for a single stream call.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Request is one stream call.
type Request struct {
	Messages []ctxpkg.Message
	Options  Options
}

// Usage is the token accounting reported by a backend, when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one element of a response stream. A chunk with Err set is the
// last value sent before the channel closes.
type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}

// StreamingProvider produces incremental text for a prompt.
//
// An error from Stream means the connection could not be established. The
// channel yields fragments in order and is closed on completion; it is not
// restartable. Implementations must stop and close the channel when ctx is
// cancelled, and must keep no per-call state on the receiver.
type StreamingProvider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Factory builds a client for a descriptor.
type Factory func(d Descriptor) (StreamingProvider, error)

// Send delivers c on out unless ctx is done first.
func Send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
