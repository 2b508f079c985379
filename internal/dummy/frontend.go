package dummy

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/frontend"
)

// Delivery is one call observed by FrontEnd.
type Delivery struct {
	Op        string // send, edit, typing
	ChatID    string
	MessageID string
	Text      string
	At        time.Time
}

// FrontEnd records deliveries and fails them on script. Send and edit
// scripts are ';'-separated per call, each one of ok, sleep:ms,
// ratelimit:ms, gone or fail.
type FrontEnd struct {
	mu         sync.Mutex
	send       *scriptRunner
	edit       *scriptRunner
	nextID     int
	texts      map[string]string
	deliveries []Delivery
	finished   map[string]error
}

func NewFrontEnd(sendScript, editScript string) (*FrontEnd, error) {
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	edit, err := newRunner(editScript)
	if err != nil {
		return nil, err
	}
	return &FrontEnd{send: send, edit: edit, texts: map[string]string{}, finished: map[string]error{}}, nil
}

func (f *FrontEnd) Send(ctx context.Context, chatID string, text string) (frontend.Handle, error) {
	f.mu.Lock()
	a := f.send.next()[0]
	f.mu.Unlock()
	if err := f.apply(ctx, "dummy.send", a); err != nil {
		return frontend.Handle{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := frontend.Handle{ChatID: chatID, MessageID: strconv.Itoa(f.nextID)}
	f.texts[h.MessageID] = text
	f.deliveries = append(f.deliveries, Delivery{Op: "send", ChatID: chatID, MessageID: h.MessageID, Text: text, At: time.Now()})
	return h, nil
}

func (f *FrontEnd) Edit(ctx context.Context, h frontend.Handle, text string) error {
	f.mu.Lock()
	if f.texts[h.MessageID] == text {
		f.mu.Unlock()
		return nil
	}
	a := f.edit.next()[0]
	f.mu.Unlock()
	if err := f.apply(ctx, "dummy.edit", a); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[h.MessageID] = text
	f.deliveries = append(f.deliveries, Delivery{Op: "edit", ChatID: h.ChatID, MessageID: h.MessageID, Text: text, At: time.Now()})
	return nil
}

func (f *FrontEnd) Typing(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, Delivery{Op: "typing", ChatID: chatID, At: time.Now()})
	return nil
}

func (f *FrontEnd) Finish(ctx context.Context, h frontend.Handle, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[h.MessageID] = err
}

func (f *FrontEnd) apply(ctx context.Context, op string, a action) error {
	switch a.kind {
	case "sleep":
		if !sleep(ctx, time.Duration(atoi(a.arg))*time.Millisecond) {
			return ctx.Err()
		}
	case "ratelimit":
		return &frontend.RateLimitError{RetryAfter: time.Duration(atoi(a.arg)) * time.Millisecond}
	case "gone":
		return frontend.Undeliverable(op, errors.New("dummy chat gone"))
	case "fail":
		return errors.New("dummy delivery failed class=" + emptyAs(a.arg, "frontend_api"))
	}
	return nil
}

// Deliveries returns every recorded call except typing.
func (f *FrontEnd) Deliveries() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Delivery, 0, len(f.deliveries))
	for _, d := range f.deliveries {
		if d.Op != "typing" {
			out = append(out, d)
		}
	}
	return out
}

// TypingCount returns how many typing indicators were shown.
func (f *FrontEnd) TypingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.deliveries {
		if d.Op == "typing" {
			n++
		}
	}
	return n
}

// Text returns the current text of a sent message.
func (f *FrontEnd) Text(messageID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[messageID]
}

// Finished reports whether Finish was called for the message and with
// which error.
func (f *FrontEnd) Finished(messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.finished[messageID]
	return ok, err
}
