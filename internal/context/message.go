package context

import "github.com/stupiduntilnot/chatrelay/internal/chat"

// Message is a model-agnostic chat message used across the context pipeline.
type Message struct {
	Role    string
	Content string
	Images  []chat.Image
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Profile carries the per-provider formatting rules the assembler applies.
type Profile struct {
	SystemPrompt        string
	SupportsVision      bool
	RequiresAlternation bool
	Stateless           bool
}
