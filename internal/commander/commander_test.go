package commander

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/store"
)

type fakeProviders []string

func (f fakeProviders) Names() []string { return f }
func (f fakeProviders) Default() string { return f[0] }
func (f fakeProviders) Validate(name string) error {
	for _, n := range f {
		if n == name {
			return nil
		}
	}
	return fmt.Errorf("provider %q: %w", name, chat.ErrUnknownProvider)
}

func newCommander() (*Commander, store.Store) {
	providers := fakeProviders{"claude", "openai"}
	st := store.NewMemory(store.Options{DefaultProvider: "openai", Validator: providers})
	return New(st, providers), st
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Command
		ok   bool
	}{
		{"/start", Command{Name: "start", Args: []string{}}, true},
		{"  /Provider claude ", Command{Name: "provider", Args: []string{"claude"}}, true},
		{"/clear@relay_bot", Command{Name: "clear", Args: []string{}}, true},
		{"hello", Command{}, false},
		{"/", Command{}, false},
		{"/@bot", Command{}, false},
	}
	for _, tc := range cases {
		got, ok := Parse(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.want.Name, got.Name, tc.in)
			assert.Equal(t, len(tc.want.Args), len(got.Args), tc.in)
		}
	}
}

func TestExecute_ProviderListAndSwitch(t *testing.T) {
	c, st := newCommander()
	ctx := context.Background()

	reply, err := c.Execute(ctx, "u1", Command{Name: "provider"})
	require.NoError(t, err)
	assert.Contains(t, reply, "Current model: openai")
	assert.Contains(t, reply, "- openai (selected)")
	assert.Contains(t, reply, "- claude")

	reply, err = c.Execute(ctx, "u1", Command{Name: "provider", Args: []string{"claude"}})
	require.NoError(t, err)
	assert.Equal(t, "Model switched to claude.", reply)
	s, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "claude", s.Provider)
}

func TestExecute_UnknownProviderKeepsSelection(t *testing.T) {
	c, st := newCommander()
	ctx := context.Background()

	reply, err := c.Execute(ctx, "u1", Command{Name: "provider", Args: []string{"ghost"}})
	require.NoError(t, err)
	assert.Contains(t, reply, `Unknown model "ghost"`)
	s, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "openai", s.Provider)
}

func TestExecute_ClearAndHistory(t *testing.T) {
	c, st := newCommander()
	ctx := context.Background()

	reply, err := c.Execute(ctx, "u1", Command{Name: "history"})
	require.NoError(t, err)
	assert.Equal(t, "No conversation history.", reply)

	require.NoError(t, st.AppendTurn(ctx, "u1",
		chat.Turn{Role: chat.RoleUser, Content: "what is this?", Image: &chat.Image{MIMEType: "image/png"}},
		chat.Turn{Role: chat.RoleAssistant, Content: "a cat", Provider: "openai"}))

	reply, err = c.Execute(ctx, "u1", Command{Name: "history"})
	require.NoError(t, err)
	assert.Equal(t, "You: [Image] what is this?\n\nAssistant (openai): a cat", reply)

	reply, err = c.Execute(ctx, "u1", Command{Name: "clear"})
	require.NoError(t, err)
	assert.Equal(t, "Conversation history cleared.", reply)
	s, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, s.History)
}

func TestExecute_StartAndUnknown(t *testing.T) {
	c, _ := newCommander()
	ctx := context.Background()

	reply, err := c.Execute(ctx, "u1", Command{Name: "start"})
	require.NoError(t, err)
	assert.Contains(t, reply, "Current model: openai")
	assert.Contains(t, reply, "/provider")

	reply, err = c.Execute(ctx, "u1", Command{Name: "bogus"})
	require.NoError(t, err)
	assert.Contains(t, reply, "Unknown command /bogus")
}

type recordingLanes struct {
	users []string
}

func (l *recordingLanes) Do(ctx context.Context, userID string, fn func(context.Context) error) error {
	l.users = append(l.users, userID)
	return fn(ctx)
}

func TestExecute_MutationsRunInUserLane(t *testing.T) {
	providers := fakeProviders{"claude", "openai"}
	st := store.NewMemory(store.Options{DefaultProvider: "openai", Validator: providers})
	lanes := &recordingLanes{}
	c := New(st, providers, WithLanes(lanes))
	ctx := context.Background()

	_, err := c.Execute(ctx, "u1", Command{Name: "provider", Args: []string{"claude"}})
	require.NoError(t, err)
	_, err = c.Execute(ctx, "u1", Command{Name: "history"})
	require.NoError(t, err)
	_, err = c.Execute(ctx, "u1", Command{Name: "clear"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u1"}, lanes.users)

	s, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "claude", s.Provider)
}
