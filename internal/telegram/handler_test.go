package telegram

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/store"
)

type recordingSubmitter struct {
	mu  sync.Mutex
	ins []relay.Inbound
}

func (s *recordingSubmitter) Submit(ctx context.Context, in relay.Inbound) (<-chan relay.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ins = append(s.ins, in)
	ch := make(chan relay.Outcome, 1)
	ch <- relay.Outcome{Phase: relay.PhaseDone}
	return ch, nil
}

type names []string

func (n names) Names() []string { return n }
func (n names) Default() string { return n[0] }
func (n names) Validate(name string) error {
	for _, v := range n {
		if v == name {
			return nil
		}
	}
	return fmt.Errorf("provider %q: %w", name, chat.ErrUnknownProvider)
}

func newTestHandler(allowed ...int64) (*Handler, *fakeAPI, *recordingSubmitter) {
	api := newFakeAPI()
	sub := &recordingSubmitter{}
	providers := names{"openai", "claude"}
	st := store.NewMemory(store.Options{DefaultProvider: "openai", Validator: providers})
	h := NewHandler(NewAdapter(api), sub, commander.New(st, providers), allowed, zerolog.Nop())
	return h, api, sub
}

func textUpdate(userID int64, text string) *models.Update {
	return &models.Update{
		ID: 1,
		Message: &models.Message{
			ID:   10,
			Date: 1700000000,
			From: &models.User{ID: userID},
			Chat: models.Chat{ID: userID},
			Text: text,
		},
	}
}

func TestHandler_TextGoesToRelay(t *testing.T) {
	h, api, sub := newTestHandler()
	h.HandleUpdate(context.Background(), textUpdate(7, "hello"))

	require.Len(t, sub.ins, 1)
	in := sub.ins[0]
	assert.Equal(t, "7", in.UserID)
	assert.Equal(t, "7", in.ChatID)
	assert.Equal(t, "hello", in.Text)
	assert.Equal(t, int64(1700000000), in.ReceivedAt.Unix())
	assert.Nil(t, in.Image)
	assert.Empty(t, api.callList())
}

func TestHandler_CommandIsAnswered(t *testing.T) {
	h, api, sub := newTestHandler()
	h.HandleUpdate(context.Background(), textUpdate(7, "/provider claude"))

	assert.Empty(t, sub.ins)
	assert.Equal(t, []string{"send"}, api.callList())
	assert.Equal(t, "Model switched to claude.", api.texts[1])
}

func TestHandler_AllowlistDropsStrangers(t *testing.T) {
	h, api, sub := newTestHandler(1, 2)
	h.HandleUpdate(context.Background(), textUpdate(7, "hello"))
	assert.Empty(t, sub.ins)
	assert.Empty(t, api.callList())

	h.HandleUpdate(context.Background(), textUpdate(2, "hello"))
	assert.Len(t, sub.ins, 1)
}

func TestHandler_IgnoresEmptyAndNonMessageUpdates(t *testing.T) {
	h, _, sub := newTestHandler()
	h.HandleUpdate(context.Background(), &models.Update{ID: 3})
	h.HandleUpdate(context.Background(), textUpdate(7, "   "))
	assert.Empty(t, sub.ins)
}

func TestHandler_PhotoDownloadFailureNotifies(t *testing.T) {
	h, api, sub := newTestHandler()
	u := textUpdate(7, "")
	u.Message.Photo = []models.PhotoSize{{FileID: "f", Width: 10, Height: 10}}
	h.HandleUpdate(context.Background(), u)

	assert.Empty(t, sub.ins)
	assert.Equal(t, []string{"send"}, api.callList())
}

func TestHandler_PhotoBecomesImageTurn(t *testing.T) {
	s := &apiServer{respond: func(method string, fields map[string]string) (int, string) {
		if method == "getFile" {
			return 200, `{"ok":true,"result":{"file_id":"big","file_unique_id":"u","file_path":"photos/big.png"}}`
		}
		return 200, `{"ok":true,"result":true}`
	}}
	sub := &recordingSubmitter{}
	providers := names{"openai"}
	st := store.NewMemory(store.Options{DefaultProvider: "openai"})
	h := NewHandler(NewAdapter(newTestBot(t, s)), sub, commander.New(st, providers), nil, zerolog.Nop())

	u := textUpdate(7, "")
	u.Message.Photo = []models.PhotoSize{{FileID: "small", Width: 90, Height: 90}, {FileID: "big", Width: 800, Height: 600}}
	h.HandleUpdate(context.Background(), u)

	require.Len(t, sub.ins, 1)
	in := sub.ins[0]
	assert.Equal(t, DefaultImagePrompt, in.Text)
	require.NotNil(t, in.Image)
	assert.Equal(t, "image/png", in.Image.MIMEType)

	u.Message.Caption = "what breed?"
	h.HandleUpdate(context.Background(), u)
	require.Len(t, sub.ins, 2)
	assert.Equal(t, "what breed?", sub.ins[1].Text)
}
