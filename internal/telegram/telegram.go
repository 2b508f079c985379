// Package telegram adapts the Telegram Bot API to the relay front-end
// contract and turns incoming updates into relay turns.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/frontend"
)

// MaxPhotoBytes caps downloaded photo size.
const MaxPhotoBytes = 10 << 20

// API is the subset of *bot.Bot the adapter calls.
type API interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	FileDownloadLink(f *models.File) string
}

// thread is the chain of messages backing one handle. Index 0 is the
// handle's own message; the rest hold overflow beyond MaxMessageRunes.
type thread struct {
	ids   []int
	texts []string
}

// Adapter implements frontend.FrontEnd and frontend.Finisher.
type Adapter struct {
	api    API
	http   *http.Client
	limit  int
	logger zerolog.Logger

	mu      sync.Mutex
	threads map[string]*thread
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option { return func(a *Adapter) { a.http = c } }

func WithLogger(l zerolog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// WithLimit overrides the per-message rune limit.
func WithLimit(n int) Option { return func(a *Adapter) { a.limit = n } }

func NewAdapter(api API, opts ...Option) *Adapter {
	a := &Adapter{
		api:     api,
		http:    &http.Client{Timeout: 30 * time.Second},
		limit:   MaxMessageRunes,
		logger:  zerolog.Nop(),
		threads: map[string]*thread{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "telegram").Logger()
	return a
}

func key(h frontend.Handle) string { return h.ChatID + "/" + h.MessageID }

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

// Send posts text, splitting it across several messages when needed. The
// handle refers to the first one.
func (a *Adapter) Send(ctx context.Context, chatID string, text string) (frontend.Handle, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return frontend.Handle{}, err
	}
	th := &thread{}
	for _, part := range Split(text, a.limit) {
		msgID, err := a.send(ctx, id, part)
		if err != nil {
			if len(th.ids) == 0 {
				return frontend.Handle{}, err
			}
			break
		}
		th.ids = append(th.ids, msgID)
		th.texts = append(th.texts, part)
	}
	h := frontend.Handle{ChatID: chatID, MessageID: strconv.Itoa(th.ids[0])}
	a.mu.Lock()
	a.threads[key(h)] = th
	a.mu.Unlock()
	return h, nil
}

// Edit replaces the text behind h. Overflow goes to continuation
// messages, which are created, edited or deleted as the text changes.
func (a *Adapter) Edit(ctx context.Context, h frontend.Handle, text string) error {
	id, err := parseChatID(h.ChatID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	th, ok := a.threads[key(h)]
	if !ok {
		msgID, err := strconv.Atoi(h.MessageID)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("invalid telegram message id %q: %w", h.MessageID, err)
		}
		th = &thread{ids: []int{msgID}, texts: []string{""}}
		a.threads[key(h)] = th
	}
	a.mu.Unlock()

	parts := Split(text, a.limit)
	for i, part := range parts {
		if i < len(th.ids) {
			if th.texts[i] == part {
				continue
			}
			if err := a.edit(ctx, id, th.ids[i], part); err != nil {
				return err
			}
			th.texts[i] = part
			continue
		}
		msgID, err := a.send(ctx, id, part)
		if err != nil {
			return err
		}
		th.ids = append(th.ids, msgID)
		th.texts = append(th.texts, part)
	}
	for len(th.ids) > len(parts) {
		last := len(th.ids) - 1
		if _, err := a.api.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: id, MessageID: th.ids[last]}); err != nil {
			a.logger.Debug().Err(err).Int("message_id", th.ids[last]).Msg("delete continuation failed")
		}
		th.ids = th.ids[:last]
		th.texts = th.texts[:last]
	}
	return nil
}

func (a *Adapter) Typing(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = a.api.SendChatAction(ctx, &bot.SendChatActionParams{ChatID: id, Action: models.ChatActionTyping})
	return classify("telegram.typing", err)
}

// Finish releases the continuation state of h.
func (a *Adapter) Finish(ctx context.Context, h frontend.Handle, err error) {
	a.mu.Lock()
	delete(a.threads, key(h))
	a.mu.Unlock()
}

func (a *Adapter) send(ctx context.Context, chatID int64, text string) (int, error) {
	msg, err := a.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err := classify("telegram.send", err); err != nil {
		return 0, err
	}
	if msg == nil {
		return 0, errors.New("telegram.send: empty result")
	}
	return msg.ID, nil
}

func (a *Adapter) edit(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := a.api.EditMessageText(ctx, &bot.EditMessageTextParams{ChatID: chatID, MessageID: messageID, Text: text})
	return classify("telegram.edit", err)
}

// DownloadPhoto fetches the largest size of a photo message.
func (a *Adapter) DownloadPhoto(ctx context.Context, sizes []models.PhotoSize) (*chat.Image, error) {
	if len(sizes) == 0 {
		return nil, errors.New("message has no photo")
	}
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	f, err := a.api.GetFile(ctx, &bot.GetFileParams{FileID: best.FileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", best.FileID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.api.FileDownloadLink(f), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download photo: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPhotoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	if len(data) > MaxPhotoBytes {
		return nil, fmt.Errorf("photo exceeds %d bytes", MaxPhotoBytes)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return &chat.Image{MIMEType: mime, Data: data}, nil
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// classify maps Bot API failures onto the front-end error contract.
// "message is not modified" is success.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	var tooMany *bot.TooManyRequestsError
	switch {
	case strings.Contains(msg, "message is not modified"):
		return nil
	case errors.As(err, &tooMany):
		return &frontend.RateLimitError{RetryAfter: time.Duration(tooMany.RetryAfter) * time.Second, Err: err}
	case errors.Is(err, bot.ErrorTooManyRequests),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "flood control"):
		var after time.Duration
		if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
			n, _ := strconv.Atoi(m[1])
			after = time.Duration(n) * time.Second
		}
		return &frontend.RateLimitError{RetryAfter: after, Err: err}
	case errors.Is(err, bot.ErrorForbidden),
		strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "user is deactivated"):
		return frontend.Undeliverable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
