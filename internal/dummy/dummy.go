// Package dummy provides scripted stand-ins for a streaming backend and a
// chat front-end, used by tests and offline runs.
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

const op = "dummy.stream"

type action struct {
	kind string
	arg  string
}

// parseScript turns "frag:Hel,frag:lo,sleep:10" into actions. Arguments
// keep their whitespace so fragments like "frag: world" survive.
func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimLeft(p, " \t\n")
		if strings.TrimSpace(token) == "" {
			continue
		}
		name, arg, _ := strings.Cut(token, ":")
		name = strings.TrimSpace(name)
		switch name {
		case "ok", "empty", "hang":
			actions = append(actions, action{kind: name})
		case "frag", "msg", "fragb64", "msgb64", "err", "sleep", "usage", "ratelimit", "gone", "fail":
			actions = append(actions, action{kind: name, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

// scriptRunner hands out one call script per invocation; the last one
// repeats once the list is exhausted.
type scriptRunner struct {
	calls [][]action
	index int
}

func newRunner(script string) (*scriptRunner, error) {
	var calls [][]action
	for _, s := range strings.Split(script, ";") {
		actions, err := parseScript(s)
		if err != nil {
			return nil, err
		}
		calls = append(calls, actions)
	}
	return &scriptRunner{calls: calls}, nil
}

func (r *scriptRunner) next() []action {
	if len(r.calls) == 0 {
		return []action{{kind: "ok"}}
	}
	if r.index >= len(r.calls) {
		return r.calls[len(r.calls)-1]
	}
	a := r.calls[r.index]
	r.index++
	return a
}

// Provider is a scripted StreamingProvider. Each Stream call consumes one
// ';'-separated call script. An err action in first position fails the
// connection; later it fails the stream.
type Provider struct {
	mu       sync.Mutex
	script   *scriptRunner
	requests []provider.Request
}

func NewProvider(script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{script: runner}, nil
}

// NewProviderFromDescriptor is the registry factory for the dummy kind.
func NewProviderFromDescriptor(d provider.Descriptor) (provider.StreamingProvider, error) {
	return NewProvider(d.Script)
}

// Requests returns the requests seen so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Calls returns how many times Stream was invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	p.mu.Lock()
	actions := p.script.next()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if len(actions) > 0 && actions[0].kind == "err" {
		return nil, scriptedError(actions[0].arg)
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		for _, a := range actions {
			switch a.kind {
			case "ok":
				if !provider.Send(ctx, out, provider.Chunk{Text: "dummy-ok"}) {
					return
				}
			case "frag", "msg":
				if !provider.Send(ctx, out, provider.Chunk{Text: a.arg}) {
					return
				}
			case "fragb64", "msgb64":
				raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.arg))
				if err != nil {
					provider.Send(ctx, out, provider.Chunk{Err: chat.NewError(chat.KindStreamInterrupted, op, fmt.Errorf("msgb64 decode failed: %w", err))})
					return
				}
				if !provider.Send(ctx, out, provider.Chunk{Text: string(raw)}) {
					return
				}
			case "usage":
				in, outTok, _ := strings.Cut(a.arg, "/")
				u := &provider.Usage{InputTokens: atoi(in), OutputTokens: atoi(outTok)}
				if !provider.Send(ctx, out, provider.Chunk{Usage: u}) {
					return
				}
			case "sleep":
				if !sleep(ctx, time.Duration(atoi(a.arg))*time.Millisecond) {
					return
				}
			case "hang":
				<-ctx.Done()
				return
			case "err":
				provider.Send(ctx, out, provider.Chunk{Err: scriptedError(a.arg)})
				return
			case "empty":
				return
			}
		}
	}()
	return out, nil
}

// scriptedError maps an err: argument such as "transient" or
// "transient@2000" (retry after ms) to a classified error.
func scriptedError(arg string) error {
	class, after, _ := strings.Cut(strings.TrimSpace(arg), "@")
	var kind chat.Kind
	switch class {
	case "", "transient", "provider_api":
		kind = chat.KindTransient
	case "policy":
		kind = chat.KindContentPolicy
	case "config":
		kind = chat.KindConfiguration
	case "interrupted":
		kind = chat.KindStreamInterrupted
	default:
		kind = chat.Kind(class)
	}
	return &chat.Error{
		Kind:       kind,
		Op:         op,
		Reason:     "scripted",
		RetryAfter: time.Duration(atoi(after)) * time.Millisecond,
		Err:        fmt.Errorf("dummy provider error class=%s", emptyAs(class, "transient")),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
