package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/store"
)

var testSecret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *Server
	store  store.Store
	relay  *relay.Relay
}

func newTestEnv(t *testing.T, scripts map[string]string) *testEnv {
	t.Helper()
	var descs []provider.Descriptor
	for name, script := range scripts {
		descs = append(descs, provider.Descriptor{Name: name, Kind: provider.KindDummy, Script: script})
	}
	reg, err := provider.NewRegistry("main", descs,
		map[provider.Kind]provider.Factory{provider.KindDummy: dummy.NewProviderFromDescriptor})
	require.NoError(t, err)
	st := store.NewMemory(store.Options{DefaultProvider: "main", Validator: reg})

	cfg := relay.DefaultConfig()
	cfg.Retry = control.RetryPolicy{MaxAttempts: 2, StartDelay: time.Millisecond, Factor: 2}
	cfg.TypingInterval = time.Hour
	r := relay.New(cfg, st, reg, &ctxpkg.StandardAssembler{})
	t.Cleanup(r.Close)

	srv := New(Options{Relay: r, Lanes: r, Store: st, Registry: reg, Breakers: r.Breakers(), JWTSecret: testSecret, Logger: zerolog.Nop()})
	return &testEnv{server: srv, store: st, relay: r}
}

func (e *testEnv) do(t *testing.T, method, path, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := IssueToken(testSecret, userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &cur.Data))
		case line == "" && cur.Name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	if cur.Name != "" {
		events = append(events, cur)
	}
	return events
}

// replay rebuilds message texts from message, replace and delta events.
func replay(events []sseEvent) map[string]string {
	texts := map[string]string{}
	for _, e := range events {
		id, _ := e.Data["id"].(string)
		switch e.Name {
		case EventMessage, EventReplace:
			texts[id] = e.Data["text"].(string)
		case EventDelta:
			texts[id] += e.Data["delta"].(string)
		}
	}
	return texts
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "frag:x"})
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAuth_RejectsMissingAndBadTokens(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "frag:x"})

	rec := env.do(t, http.MethodGet, "/v1/providers", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := IssueToken([]byte("other-secret"), "u1", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseToken_SubjectFallbackAndExpiry(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "sub-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	userID, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", userID)

	expired, err := IssueToken(testSecret, "u1", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, expired)
	assert.Error(t, err)
}

func TestProvidersAndSelection(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "frag:x", "alt": "frag:y"})

	rec := env.do(t, http.MethodGet, "/v1/providers", "", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Default   string   `json:"default"`
		Providers []string `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "main", body.Default)
	assert.Equal(t, []string{"alt", "main"}, body.Providers)

	rec = env.do(t, http.MethodPut, "/v1/session/provider", `{"provider":"ghost"}`, "u1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/session/provider", `{"provider":"alt"}`, "u1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/session", "", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"provider":"alt"`)
}

func TestChat_StreamsDeltasAndPersists(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "frag:Hel,frag:lo,frag: world"})

	rec := env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi"}`, "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Name)
	assert.Equal(t, "Hello world", last.Data["text"])

	id := last.Data["id"].(string)
	assert.Equal(t, "Hello world", replay(events)[id])

	var sawDelta bool
	for i, e := range events {
		if e.Name == EventDelta {
			sawDelta = true
			soFar := replay(events[:i+1])[id]
			assert.Equal(t, float64(len([]rune(soFar))), e.Data["length"])
		}
	}
	assert.True(t, sawDelta)

	s, err := env.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, s.History, 2)
	assert.Equal(t, "hi", s.History[0].Content)
	assert.Equal(t, "Hello world", s.History[1].Content)
}

func TestChat_EmptyStreamEmitsError(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "empty"})

	rec := env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi"}`, "u1")
	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Name)
	assert.Equal(t, string(chat.KindNoContent), last.Data["kind"])
	assert.Equal(t, relay.MsgNoContent, last.Data["message"])

	s, err := env.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, s.History)
}

func TestChat_ValidatesBody(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "frag:x"})

	rec := env.do(t, http.MethodPost, "/v1/chat", `{"message":"  "}`, "u1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/chat", `{"image_base64":"%%%"}`, "u1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearSession(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "frag:x"})
	ctx := context.Background()
	require.NoError(t, env.store.AppendTurn(ctx, "u1",
		chat.Turn{Role: chat.RoleUser, Content: "a"},
		chat.Turn{Role: chat.RoleAssistant, Content: "b"}))

	rec := env.do(t, http.MethodDelete, "/v1/session", "", "u1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	s, err := env.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, s.History)
}

func TestClearSession_WaitsForInFlightTurn(t *testing.T) {
	env := newTestEnv(t, map[string]string{"main": "frag:x,sleep:100"})
	ctx := context.Background()
	fe, err := dummy.NewFrontEnd("", "")
	require.NoError(t, err)

	turn, err := env.relay.Submit(ctx, relay.Inbound{UserID: "u1", ChatID: "c1", Text: "hi", FrontEnd: fe})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/v1/session", "", "u1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	select {
	case out := <-turn:
		assert.Equal(t, relay.PhaseDone, out.Phase)
	default:
		t.Fatal("clear returned before the in-flight turn finished")
	}

	s, err := env.store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, s.History)
}
