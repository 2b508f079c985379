package httpapi

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/frontend"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
)

// SSE event names.
const (
	EventMessage = "message"
	EventDelta   = "delta"
	EventReplace = "replace"
	EventTyping  = "typing"
	EventDone    = "done"
	EventError   = "error"
)

// sseFrontEnd renders relay output as server-sent events on one response.
// Messages are identified by uuids; edits that extend the previous text
// are sent as deltas.
type sseFrontEnd struct {
	c *gin.Context

	mu   sync.Mutex
	sent map[string]string
}

func newSSEFrontEnd(c *gin.Context) *sseFrontEnd {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	return &sseFrontEnd{c: c, sent: map[string]string{}}
}

func (f *sseFrontEnd) emit(op, event string, data any) error {
	if err := f.c.Request.Context().Err(); err != nil {
		return frontend.Undeliverable(op, err)
	}
	f.c.SSEvent(event, data)
	f.c.Writer.Flush()
	return nil
}

func (f *sseFrontEnd) Send(ctx context.Context, chatID string, text string) (frontend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := frontend.Handle{ChatID: chatID, MessageID: uuid.NewString()}
	if err := f.emit("http.send", EventMessage, gin.H{"id": h.MessageID, "text": text}); err != nil {
		return frontend.Handle{}, err
	}
	f.sent[h.MessageID] = text
	return h, nil
}

func (f *sseFrontEnd) Edit(ctx context.Context, h frontend.Handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.sent[h.MessageID]
	if text == prev {
		return nil
	}
	var err error
	if strings.HasPrefix(text, prev) {
		err = f.emit("http.edit", EventDelta, gin.H{
			"id":     h.MessageID,
			"delta":  text[len(prev):],
			"length": utf8.RuneCountInString(text),
		})
	} else {
		err = f.emit("http.edit", EventReplace, gin.H{"id": h.MessageID, "text": text})
	}
	if err != nil {
		return err
	}
	f.sent[h.MessageID] = text
	return nil
}

func (f *sseFrontEnd) Typing(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emit("http.typing", EventTyping, gin.H{})
}

// Finish closes out the handle with a done or error event.
func (f *sseFrontEnd) Finish(ctx context.Context, h frontend.Handle, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		_ = f.emit("http.finish", EventDone, gin.H{"id": h.MessageID, "text": f.sent[h.MessageID]})
		return
	}
	_ = f.emit("http.finish", EventError, gin.H{
		"id":      h.MessageID,
		"kind":    string(chat.KindOf(err)),
		"message": relay.UserMessage(err),
	})
}
