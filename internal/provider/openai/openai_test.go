package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/store"
)

func sseChunk(content, finish string) string {
	choice := map[string]any{"index": 0, "delta": map[string]any{"content": content}}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "gpt-4o",
		"choices": []any{choice},
	})
	return "data: " + string(b) + "\n\n"
}

func newTestClient(t *testing.T, srv *httptest.Server) provider.StreamingProvider {
	t.Helper()
	c, err := New(provider.Descriptor{Name: "openai", Kind: provider.KindOpenAI, Model: "gpt-4o", APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, ch <-chan provider.Chunk) (string, error) {
	t.Helper()
	var b strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return b.String(), nil
			}
			if c.Err != nil {
				return b.String(), c.Err
			}
			b.WriteString(c.Text)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStream_Fragments(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunk("Hel", ""))
		_, _ = io.WriteString(w, sseChunk("lo", ""))
		_, _ = io.WriteString(w, sseChunk(" world", "stop"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ch, err := c.Stream(context.Background(), provider.Request{
		Messages: []ctxpkg.Message{
			{Role: ctxpkg.RoleSystem, Content: "be brief"},
			{Role: ctxpkg.RoleUser, Content: "hi"},
		},
		Options: provider.Options{MaxTokens: 256, Temperature: 0.7},
	})
	require.NoError(t, err)

	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	assert.Equal(t, "gpt-4o", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	msgs, _ := gotBody["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestStream_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Stream(context.Background(), provider.Request{
		Messages: []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrTransientProvider)
	assert.Equal(t, 2*time.Second, chat.RetryAfterOf(err))
}

func TestStream_UnauthorizedIsConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Stream(context.Background(), provider.Request{
		Messages: []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}},
	})
	assert.ErrorIs(t, err, chat.ErrConfiguration)
}

func TestStream_ContentFilterFinish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunk("I can", ""))
		_, _ = io.WriteString(w, sseChunk("", "content_filter"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ch, err := newTestClient(t, srv).Stream(context.Background(), provider.Request{
		Messages: []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	text, err := collect(t, ch)
	assert.Equal(t, "I can", text)
	assert.ErrorIs(t, err, chat.ErrContentPolicy)
}

func TestStream_EmptyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ch, err := newTestClient(t, srv).Stream(context.Background(), provider.Request{
		Messages: []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Empty(t, text)
}

// silentServer flushes stream headers and then sends nothing until the
// client goes away.
func silentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_ReturnsAfterHeaders(t *testing.T) {
	client := newTestClient(t, silentServer(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	var ch <-chan provider.Chunk
	go func() {
		var err error
		ch, err = client.Stream(ctx, provider.Request{
			Messages: []ctxpkg.Message{{Role: ctxpkg.RoleUser, Content: "hi"}},
		})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream blocked waiting for the first event")
	}

	select {
	case c, ok := <-ch:
		t.Fatalf("unexpected chunk %+v (open=%v)", c, ok)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestStream_SilentBackendHitsRelayStallTimeout(t *testing.T) {
	srv := silentServer(t)
	reg, err := provider.NewRegistry("openai",
		[]provider.Descriptor{{Name: "openai", Kind: provider.KindOpenAI, Model: "gpt-4o", APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}},
		map[provider.Kind]provider.Factory{provider.KindOpenAI: New})
	require.NoError(t, err)
	fe, err := dummy.NewFrontEnd("", "")
	require.NoError(t, err)

	cfg := relay.DefaultConfig()
	cfg.StallTimeout = 100 * time.Millisecond
	cfg.OverallTimeout = 10 * time.Second
	cfg.TypingInterval = time.Hour
	st := store.NewMemory(store.Options{Window: 10, IdleThreshold: time.Hour, DefaultProvider: "openai"})
	r := relay.New(cfg, st, reg, &ctxpkg.StandardAssembler{})
	t.Cleanup(r.Close)

	start := time.Now()
	_, err = r.Handle(context.Background(), relay.Inbound{UserID: "u1", ChatID: "c1", Text: "hi", FrontEnd: fe})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, chat.KindStreamInterrupted, chat.KindOf(err))
	assert.Equal(t, "stall_timeout", chat.ReasonOf(err))
}

func TestToParams_ImageAsDataURL(t *testing.T) {
	params := toParams([]ctxpkg.Message{{
		Role:    ctxpkg.RoleUser,
		Content: "what is this",
		Images:  []chat.Image{{MIMEType: "image/png", Data: []byte("png")}},
	}})
	require.Len(t, params, 1)

	raw, err := json.Marshal(params[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "data:image/png;base64,cG5n")
	assert.Contains(t, string(raw), "what is this")
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(provider.Descriptor{Name: "x", Kind: provider.KindOpenAI, Model: "m"})
	assert.Error(t, err)
}
