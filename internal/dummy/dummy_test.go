package dummy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/frontend"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

func collect(t *testing.T, ch <-chan provider.Chunk) (string, error) {
	t.Helper()
	var b strings.Builder
	for c := range ch {
		if c.Err != nil {
			return b.String(), c.Err
		}
		b.WriteString(c.Text)
	}
	return b.String(), nil
}

var hi = provider.Request{Messages: []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}}}

func TestNewProvider_InvalidScript(t *testing.T) {
	_, err := NewProvider("boom")
	assert.Error(t, err)
}

func TestProvider_Fragments(t *testing.T) {
	p, err := NewProvider("frag:Hel,frag:lo,frag: world,usage:3/2")
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), hi)
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, "hi", p.Requests()[0].Messages[0].Content)
}

func TestProvider_ConnectErrorThenSuccess(t *testing.T) {
	p, err := NewProvider("err:transient@1500;msg:hello")
	require.NoError(t, err)

	_, err = p.Stream(context.Background(), hi)
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrTransientProvider)
	assert.Equal(t, 1500*time.Millisecond, chat.RetryAfterOf(err))

	ch, err := p.Stream(context.Background(), hi)
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	// Last call script repeats.
	ch, err = p.Stream(context.Background(), hi)
	require.NoError(t, err)
	text, _ = collect(t, ch)
	assert.Equal(t, "hello", text)
}

func TestProvider_MidStreamError(t *testing.T) {
	p, err := NewProvider("frag:part,err:interrupted")
	require.NoError(t, err)
	ch, err := p.Stream(context.Background(), hi)
	require.NoError(t, err)
	text, err := collect(t, ch)
	assert.Equal(t, "part", text)
	assert.ErrorIs(t, err, chat.ErrStreamInterrupted)
}

func TestProvider_Empty(t *testing.T) {
	p, err := NewProvider("empty")
	require.NoError(t, err)
	ch, err := p.Stream(context.Background(), hi)
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestProvider_MsgB64Action(t *testing.T) {
	p, err := NewProvider("msgb64:aGVsbG8=") // "hello"
	require.NoError(t, err)
	ch, err := p.Stream(context.Background(), hi)
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestProvider_HangStopsOnCancel(t *testing.T) {
	p, err := NewProvider("frag:a,hang")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, hi)
	require.NoError(t, err)
	assert.Equal(t, "a", (<-ch).Text)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestNewProviderFromDescriptor(t *testing.T) {
	sp, err := NewProviderFromDescriptor(provider.Descriptor{Name: "d", Kind: provider.KindDummy, Script: "msg:x"})
	require.NoError(t, err)
	ch, err := sp.Stream(context.Background(), hi)
	require.NoError(t, err)
	text, _ := collect(t, ch)
	assert.Equal(t, "x", text)
}

func TestFrontEnd_RecordsAndSkipsUnchangedEdits(t *testing.T) {
	f, err := NewFrontEnd("", "")
	require.NoError(t, err)
	ctx := context.Background()

	h, err := f.Send(ctx, "42", "Generating...")
	require.NoError(t, err)
	require.NoError(t, f.Edit(ctx, h, "Hello"))
	require.NoError(t, f.Edit(ctx, h, "Hello"))
	require.NoError(t, f.Typing(ctx, "42"))

	got := f.Deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "send", got[0].Op)
	assert.Equal(t, "edit", got[1].Op)
	assert.Equal(t, "Hello", f.Text(h.MessageID))
	assert.Equal(t, 1, f.TypingCount())
}

func TestFrontEnd_ScriptedFailures(t *testing.T) {
	f, err := NewFrontEnd("ok;gone", "ratelimit:20;ok")
	require.NoError(t, err)
	ctx := context.Background()

	h, err := f.Send(ctx, "1", "a")
	require.NoError(t, err)

	err = f.Edit(ctx, h, "b")
	var rl *frontend.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 20*time.Millisecond, rl.RetryAfter)
	require.NoError(t, f.Edit(ctx, h, "b"))

	_, err = f.Send(ctx, "1", "c")
	assert.ErrorIs(t, err, frontend.ErrUndeliverable)

	f.Finish(ctx, h, nil)
	done, ferr := f.Finished(h.MessageID)
	assert.True(t, done)
	assert.NoError(t, ferr)
}
