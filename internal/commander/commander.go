// Package commander interprets the slash commands users send alongside
// ordinary chat turns.
package commander

import (
	"context"
	"fmt"
	"strings"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/store"
)

// Command is a parsed "/name arg..." message.
type Command struct {
	Name string
	Args []string
}

// Parse recognises a leading slash command. A "@botname" suffix on the
// command is dropped.
func Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	if name == "" {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(name), Args: fields[1:]}, true
}

// Providers is the registry view the commands need.
type Providers interface {
	Names() []string
	Default() string
	Validate(name string) error
}

// Lanes runs a session mutation in order with the user's relay turns;
// *relay.Relay implements it.
type Lanes interface {
	Do(ctx context.Context, userID string, fn func(context.Context) error) error
}

// Serial runs fn through lanes, or directly when lanes is nil.
func Serial(ctx context.Context, lanes Lanes, userID string, fn func(context.Context) error) error {
	if lanes == nil {
		return fn(ctx)
	}
	return lanes.Do(ctx, userID, fn)
}

// Commander executes commands against the session store.
type Commander struct {
	store     store.Store
	providers Providers
	lanes     Lanes
}

type Option func(*Commander)

// WithLanes orders history-changing commands behind in-flight turns.
func WithLanes(l Lanes) Option {
	return func(c *Commander) { c.lanes = l }
}

func New(st store.Store, providers Providers, opts ...Option) *Commander {
	c := &Commander{store: st, providers: providers}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs cmd for userID and returns the reply to show.
func (c *Commander) Execute(ctx context.Context, userID string, cmd Command) (string, error) {
	switch cmd.Name {
	case "start", "help":
		return c.start(ctx, userID)
	case "provider":
		if len(cmd.Args) == 0 {
			return c.listProviders(ctx, userID)
		}
		return c.setProvider(ctx, userID, cmd.Args[0])
	case "clear":
		if err := Serial(ctx, c.lanes, userID, func(ctx context.Context) error {
			return c.store.ClearHistory(ctx, userID)
		}); err != nil {
			return "", fmt.Errorf("clear history: %w", err)
		}
		return "Conversation history cleared.", nil
	case "history":
		return c.history(ctx, userID)
	default:
		return fmt.Sprintf("Unknown command /%s. Send /help for the list of commands.", cmd.Name), nil
	}
}

func (c *Commander) start(ctx context.Context, userID string) (string, error) {
	s, err := c.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	var b strings.Builder
	b.WriteString("Hi! Send me a message or a photo and I will answer with the selected model.\n\n")
	fmt.Fprintf(&b, "Current model: %s\n\n", s.Provider)
	b.WriteString("/provider - show or change the model\n")
	b.WriteString("/clear - forget the conversation\n")
	b.WriteString("/history - show the stored conversation")
	return b.String(), nil
}

func (c *Commander) listProviders(ctx context.Context, userID string) (string, error) {
	s, err := c.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Current model: %s\nAvailable:", s.Provider)
	for _, name := range c.providers.Names() {
		marker := ""
		if name == s.Provider {
			marker = " (selected)"
		}
		fmt.Fprintf(&b, "\n- %s%s", name, marker)
	}
	b.WriteString("\n\nUse /provider <name> to switch.")
	return b.String(), nil
}

func (c *Commander) setProvider(ctx context.Context, userID, name string) (string, error) {
	err := Serial(ctx, c.lanes, userID, func(ctx context.Context) error {
		return c.store.SetProvider(ctx, userID, name)
	})
	switch {
	case err == nil:
		return fmt.Sprintf("Model switched to %s.", name), nil
	case chat.KindOf(err) == chat.KindUnknownProvider:
		return fmt.Sprintf("Unknown model %q. Available: %s.", name, strings.Join(c.providers.Names(), ", ")), nil
	default:
		return "", fmt.Errorf("set provider: %w", err)
	}
}

func (c *Commander) history(ctx context.Context, userID string) (string, error) {
	s, err := c.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if len(s.History) == 0 {
		return "No conversation history.", nil
	}
	return RenderHistory(s.History), nil
}

// RenderHistory formats stored turns one per paragraph.
func RenderHistory(turns []chat.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n\n")
		}
		label := "You"
		if t.Role == chat.RoleAssistant {
			label = "Assistant"
			if t.Provider != "" {
				label += " (" + t.Provider + ")"
			}
		}
		b.WriteString(label)
		b.WriteString(": ")
		if t.Image != nil {
			b.WriteString("[Image] ")
		}
		b.WriteString(t.Content)
	}
	return b.String()
}
