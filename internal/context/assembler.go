package context

import (
	"strings"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// ImageOmitted replaces image payloads sent to providers without vision.
const ImageOmitted = "[image omitted]"

// StandardAssembler combines system prompt, history, and the new turn
// into a single ordered message list.
type StandardAssembler struct {
	SystemPrompt     string
	ImagePlaceholder bool
	Compressor       Compressor
}

// Assemble builds the final message list: system + history + new turn.
// The session is never modified.
func (a *StandardAssembler) Assemble(session chat.Session, turn chat.Turn, profile Profile) []Message {
	system := profile.SystemPrompt
	if system == "" {
		system = a.SystemPrompt
	}

	var history []chat.Turn
	if !profile.Stateless {
		history = session.History
		if a.Compressor != nil {
			history = a.Compressor.Compress(history)
		}
	}

	messages := make([]Message, 0, 2+len(history))
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	for _, t := range history {
		messages = append(messages, a.convert(t, profile))
	}
	messages = append(messages, a.convert(turn, profile))

	if profile.RequiresAlternation {
		messages = mergeConsecutive(messages)
	}
	return messages
}

func (a *StandardAssembler) convert(t chat.Turn, profile Profile) Message {
	role := RoleUser
	if t.Role == chat.RoleAssistant {
		role = RoleAssistant
	}
	m := Message{Role: role, Content: t.Content}
	if t.Image == nil {
		return m
	}
	if profile.SupportsVision {
		m.Images = []chat.Image{*t.Image}
		return m
	}
	if a.ImagePlaceholder {
		if strings.TrimSpace(m.Content) == "" {
			m.Content = ImageOmitted
		} else {
			m.Content += "\n" + ImageOmitted
		}
	}
	return m
}

// mergeConsecutive folds runs of same-role messages into one, joining
// their content with a newline.
func mergeConsecutive(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		n := len(out)
		if n == 0 || out[n-1].Role != m.Role || m.Role == RoleSystem {
			out = append(out, m)
			continue
		}
		prev := &out[n-1]
		switch {
		case prev.Content == "":
			prev.Content = m.Content
		case m.Content != "":
			prev.Content += "\n" + m.Content
		}
		if len(m.Images) > 0 {
			images := make([]chat.Image, 0, len(prev.Images)+len(m.Images))
			images = append(images, prev.Images...)
			prev.Images = append(images, m.Images...)
		}
	}
	return out
}
