// Package relay drives one user turn from assembly through streaming to
// persistence, pushing incremental output to a front-end.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/frontend"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/store"
	"github.com/stupiduntilnot/chatrelay/internal/usage"
)

const reasonCircuitOpen = "circuit_open"

var (
	errStall   = errors.New("no fragment within stall timeout")
	errOverall = errors.New("overall timeout exceeded")
)

// Providers resolves descriptors and clients; *provider.Registry implements it.
type Providers interface {
	Resolve(name string) (provider.Descriptor, error)
	Client(name string) (provider.StreamingProvider, error)
}

// Journal records relay events; *db.Journal implements it.
type Journal interface {
	Log(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// BusyPolicy decides what happens to a turn while the user has one in flight.
type BusyPolicy string

const (
	BusyQueue  BusyPolicy = "queue"
	BusyReject BusyPolicy = "reject"
)

// Config tunes the relay loop.
type Config struct {
	Flush            FlushPolicy
	TypingInterval   time.Duration
	StallTimeout     time.Duration
	OverallTimeout   time.Duration
	MaxConcurrent    int
	BusyPolicy       BusyPolicy
	Placeholder      string
	Retry            control.RetryPolicy
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Flush:            DefaultFlushPolicy(),
		TypingInterval:   4 * time.Second,
		StallTimeout:     30 * time.Second,
		OverallTimeout:   120 * time.Second,
		MaxConcurrent:    16,
		BusyPolicy:       BusyQueue,
		Placeholder:      DefaultPlaceholder,
		Retry:            control.DefaultRetryPolicy(),
		CircuitThreshold: 5,
		CircuitCooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Flush.Threshold <= 0 {
		c.Flush.Threshold = d.Flush.Threshold
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = d.TypingInterval
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = d.OverallTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.BusyPolicy == "" {
		c.BusyPolicy = d.BusyPolicy
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	return c
}

// Inbound is one user turn to relay.
type Inbound struct {
	UserID     string
	ChatID     string
	Text       string
	Image      *chat.Image
	ReceivedAt time.Time
	FrontEnd   frontend.FrontEnd
}

// Outcome summarizes a finished relay.
type Outcome struct {
	RelayID   string
	Phase     Phase
	Provider  string
	Text      string
	Fragments int
	Attempts  int
	Reset     bool
	Usage     *provider.Usage
	Err       error
}

var (
	// ErrBusy is returned by Submit under the reject policy.
	ErrBusy = errors.New("relay: previous turn still in flight")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("relay: closed")
)

// Relay runs relay loops. Safe for concurrent use.
type Relay struct {
	cfg       Config
	store     store.Store
	providers Providers
	assembler ctxpkg.Builder
	recorder  usage.Recorder
	journal   Journal
	breakers  *control.Breakers
	logger    zerolog.Logger
	now       func() time.Time

	sem  *semaphore.Weighted
	pool *pool.Pool

	mu      sync.Mutex
	closed  bool
	active  map[string]bool
	pending map[string][]job
}

type Option func(*Relay)

func WithLogger(l zerolog.Logger) Option { return func(r *Relay) { r.logger = l } }

func WithJournal(j Journal) Option { return func(r *Relay) { r.journal = j } }

func WithRecorder(rec usage.Recorder) Option { return func(r *Relay) { r.recorder = rec } }

func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

// WithBreakers shares circuit breakers, e.g. with a status endpoint.
func WithBreakers(b *control.Breakers) Option { return func(r *Relay) { r.breakers = b } }

func New(cfg Config, st store.Store, providers Providers, assembler ctxpkg.Builder, opts ...Option) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		cfg:       cfg,
		store:     st,
		providers: providers,
		assembler: assembler,
		recorder:  usage.Nop{},
		logger:    zerolog.Nop(),
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pool:      pool.New(),
		active:    map[string]bool{},
		pending:   map[string][]job{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = control.NewBreakers(cfg.CircuitThreshold, cfg.CircuitCooldown)
	}
	r.logger = r.logger.With().Str("component", "relay").Logger()
	return r
}

// Breakers exposes the per-provider circuit breakers.
func (r *Relay) Breakers() *control.Breakers { return r.breakers }

// Handle drives one turn to DONE or FAILED. The returned error equals
// Outcome.Err.
func (r *Relay) Handle(ctx context.Context, in Inbound) (Outcome, error) {
	c := &call{
		r:   r,
		in:  in,
		st:  &State{Phase: PhaseIdle, StartedAt: r.now()},
		out: Outcome{RelayID: uuid.NewString(), Phase: PhaseIdle},
	}
	c.log = r.logger.With().Str("relay_id", c.out.RelayID).Str("user_id", in.UserID).Logger()
	err := c.run(ctx)
	c.finish(ctx, err)
	return c.out, err
}

// event journals best effort and returns the new id, or parent on failure.
func (r *Relay) event(ctx context.Context, parent *int64, eventType string, payload map[string]any) *int64 {
	if r.journal == nil {
		return parent
	}
	id, err := r.journal.Log(context.WithoutCancel(ctx), parent, eventType, payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
		return parent
	}
	return &id
}

// call is the per-turn working set.
type call struct {
	r   *Relay
	in  Inbound
	st  *State
	out Outcome
	log zerolog.Logger

	desc        provider.Descriptor
	handle      *frontend.Handle
	eventID     *int64
	answerShown bool
}

func (c *call) run(ctx context.Context) error {
	r := c.r

	// IDLE -> ASSEMBLING
	c.st.Phase = PhaseAssembling
	reset, err := r.store.MaybeResetOnIdle(ctx, c.in.UserID, c.st.StartedAt)
	if err != nil {
		return storeError("store.reset", err)
	}
	if reset {
		c.out.Reset = true
		r.event(ctx, nil, db.EventSessionReset, map[string]any{"user_id": c.in.UserID})
		c.notify(ctx, MsgReset)
	}
	c.typing(ctx)

	sess, err := r.store.Get(ctx, c.in.UserID)
	if err != nil {
		return storeError("store.get", err)
	}
	c.out.Provider = sess.Provider
	desc, err := r.providers.Resolve(sess.Provider)
	if err != nil {
		return err
	}
	c.desc = desc
	c.log = c.log.With().Str("provider", desc.Name).Logger()
	c.eventID = r.event(ctx, nil, db.EventRelayStarted, map[string]any{
		"user_id":  c.in.UserID,
		"provider": desc.Name,
		"model":    desc.Model,
		"history":  len(sess.History),
		"image":    c.in.Image != nil,
	})
	client, err := r.providers.Client(desc.Name)
	if err != nil {
		return err
	}
	userTurn := c.userTurn()
	req := provider.Request{
		Messages: r.assembler.Assemble(sess, userTurn, desc.Profile()),
		Options:  desc.Options(),
	}

	// ASSEMBLING -> STREAMING
	if err := c.placeholder(ctx); err != nil {
		return err
	}
	c.st.Phase = PhaseStreaming
	runCtx, cancelOverall := context.WithTimeoutCause(ctx, r.cfg.OverallTimeout, errOverall)
	defer cancelOverall()
	runCtx, cancel := context.WithCancelCause(runCtx)
	defer cancel(nil)

	ch, err := c.connect(runCtx, client, req)
	if err != nil {
		return c.interrupted(ctx, runCtx, err, true)
	}
	if err := c.consume(ctx, runCtx, cancel, ch); err != nil {
		return err
	}

	// STREAMING -> FINALIZING
	c.st.Phase = PhaseFinalizing
	if !c.st.HasContent() {
		return &chat.Error{Kind: chat.KindNoContent, Op: "relay.finalize", Reason: "empty_stream",
			Err: fmt.Errorf("provider %s produced no content", desc.Name)}
	}
	if c.st.Unseen() {
		if err := c.flush(ctx, true); err != nil {
			return err
		}
	}
	text := c.st.AccumulatedText()
	assistant := chat.Turn{Role: chat.RoleAssistant, Content: text, Provider: desc.Name, Timestamp: r.now()}
	if err := r.store.AppendTurn(ctx, c.in.UserID, userTurn, assistant); err != nil {
		return storeError("store.append", err)
	}
	c.out.Text = text

	e := usage.Event{
		RelayID:    c.out.RelayID,
		UserID:     c.in.UserID,
		Provider:   desc.Name,
		Model:      desc.Model,
		Characters: c.st.TotalLength,
		Fragments:  c.st.FragmentCount,
		Latency:    r.now().Sub(c.st.StartedAt),
		At:         r.now(),
	}
	if c.out.Usage != nil {
		e.InputTokens, e.OutputTokens = c.out.Usage.InputTokens, c.out.Usage.OutputTokens
	}
	r.recorder.Record(ctx, e)
	return nil
}

func (c *call) userTurn() chat.Turn {
	ts := c.in.ReceivedAt
	if ts.IsZero() {
		ts = c.st.StartedAt
	}
	return chat.Turn{Role: chat.RoleUser, Content: c.in.Text, Image: c.in.Image, Timestamp: ts}
}

// connect opens the stream with bounded retries on transient failures,
// guarded by the provider's circuit breaker.
func (c *call) connect(ctx context.Context, client provider.StreamingProvider, req provider.Request) (<-chan provider.Chunk, error) {
	r := c.r
	breaker := r.breakers.For(c.desc.Name)
	retryable := func(err error) bool {
		return chat.IsRetryable(err) && chat.ReasonOf(err) != reasonCircuitOpen && ctx.Err() == nil
	}

	var ch <-chan provider.Chunk
	err := control.Retry(ctx, r.cfg.Retry, retryable, func(ctx context.Context, attempt int) error {
		c.out.Attempts = attempt
		if !breaker.Allow(r.now()) {
			return &chat.Error{Kind: chat.KindTransient, Op: "relay.connect", Reason: reasonCircuitOpen,
				Err: fmt.Errorf("circuit open for %s", c.desc.Name)}
		}
		stream, err := client.Stream(ctx, req)
		switch {
		case err == nil:
			breaker.RecordSuccess()
		case chat.IsRetryable(err):
			if breaker.RecordFailure(string(chat.KindTransient), r.now()) {
				c.log.Warn().Msg("circuit opened")
				r.event(ctx, c.eventID, db.EventCircuitOpened, map[string]any{"provider": c.desc.Name})
			}
			return err
		default:
			// The backend answered, so it is reachable.
			breaker.RecordSuccess()
			return err
		}
		ch = stream
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connect failed, retrying")
		r.event(ctx, c.eventID, db.EventRetryScheduled, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"kind":     string(chat.KindOf(err)),
		})
	})
	if err != nil {
		var exhausted *control.ExhaustedError
		if errors.As(err, &exhausted) {
			r.event(ctx, c.eventID, db.EventRetryExhausted, map[string]any{"attempts": exhausted.Attempts})
		}
		return nil, err
	}
	return ch, nil
}

// consume reads fragments until the provider closes the stream.
func (c *call) consume(parent, ctx context.Context, cancel context.CancelCauseFunc, ch <-chan provider.Chunk) error {
	r := c.r
	stall := time.NewTimer(r.cfg.StallTimeout)
	defer stall.Stop()
	typing := time.NewTicker(r.cfg.TypingInterval)
	defer typing.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return c.interrupted(parent, ctx, ctx.Err(), false)
				}
				return nil
			}
			if chunk.Err != nil {
				return c.interrupted(parent, ctx, chunk.Err, false)
			}
			if chunk.Usage != nil {
				c.out.Usage = chunk.Usage
			}
			c.st.Append(chunk.Text)
			if r.cfg.Flush.ShouldFlush(c.st, r.now()) {
				if err := c.flush(ctx, false); err != nil {
					cancel(err)
					return err
				}
			}
			stall.Reset(r.cfg.StallTimeout)
		case <-stall.C:
			cancel(errStall)
			return c.interrupted(parent, ctx, errStall, false)
		case <-typing.C:
			c.typing(ctx)
		case <-ctx.Done():
			return c.interrupted(parent, ctx, ctx.Err(), false)
		}
	}
}

// interrupted maps err to the relay taxonomy, taking the stream context's
// cancellation cause into account.
func (c *call) interrupted(parent, ctx context.Context, err error, connecting bool) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if ctx.Err() == nil {
		return err
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errOverall):
		kind := chat.KindStreamInterrupted
		if connecting {
			kind = chat.KindTransient
		}
		return &chat.Error{Kind: kind, Op: "relay.stream", Reason: "overall_timeout", Err: cause}
	case errors.Is(cause, errStall):
		return &chat.Error{Kind: chat.KindStreamInterrupted, Op: "relay.stream", Reason: "stall_timeout", Err: cause}
	case cause != nil && !errors.Is(cause, context.Canceled):
		return cause
	}
	return err
}

// flush pushes the full accumulated text. Only undeliverable failures
// abort the relay.
func (c *call) flush(ctx context.Context, final bool) error {
	text := c.st.AccumulatedText()
	err := c.deliver(ctx, func(ctx context.Context) error {
		if c.handle == nil {
			h, err := c.in.FrontEnd.Send(ctx, c.in.ChatID, text)
			if err == nil {
				c.handle = &h
			}
			return err
		}
		return c.in.FrontEnd.Edit(ctx, *c.handle, text)
	})
	if err == nil {
		c.st.MarkFlushed(c.r.now())
		if final {
			c.answerShown = true
		}
		return nil
	}
	if errors.Is(err, frontend.ErrUndeliverable) {
		return err
	}
	c.log.Warn().Err(err).Bool("final", final).Int("length", c.st.TotalLength).Msg("edit failed")
	return nil
}

func (c *call) placeholder(ctx context.Context) error {
	text := c.r.cfg.Placeholder
	if text == "" {
		return nil
	}
	err := c.deliver(ctx, func(ctx context.Context) error {
		h, err := c.in.FrontEnd.Send(ctx, c.in.ChatID, text)
		if err == nil {
			c.handle = &h
		}
		return err
	})
	if err != nil && errors.Is(err, frontend.ErrUndeliverable) {
		return err
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("placeholder not sent")
	}
	return nil
}

// deliver runs a front-end call, retrying rate limits with the relay's
// backoff policy.
func (c *call) deliver(ctx context.Context, fn func(ctx context.Context) error) error {
	return control.Retry(ctx, c.r.cfg.Retry, frontend.IsRateLimited, func(ctx context.Context, attempt int) error {
		return fn(ctx)
	}, func(attempt int, err error, delay time.Duration) {
		c.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("front-end rate limited")
	})
}

func (c *call) typing(ctx context.Context) {
	if err := c.in.FrontEnd.Typing(ctx, c.in.ChatID); err != nil {
		c.log.Debug().Err(err).Msg("typing indicator failed")
	}
}

func (c *call) notify(ctx context.Context, text string) {
	if _, err := c.in.FrontEnd.Send(ctx, c.in.ChatID, text); err != nil {
		c.log.Warn().Err(err).Msg("notice not delivered")
	}
}

// report shows msg in place of the placeholder, or as a new message when
// there is none or the answer is already on screen.
func (c *call) report(ctx context.Context, msg string) {
	if c.handle != nil && !c.answerShown {
		err := c.deliver(ctx, func(ctx context.Context) error {
			return c.in.FrontEnd.Edit(ctx, *c.handle, msg)
		})
		if err == nil || errors.Is(err, frontend.ErrUndeliverable) {
			return
		}
		c.log.Warn().Err(err).Msg("error edit failed, sending new message")
	}
	var h frontend.Handle
	err := c.deliver(ctx, func(ctx context.Context) error {
		var err error
		h, err = c.in.FrontEnd.Send(ctx, c.in.ChatID, msg)
		return err
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("error message not delivered")
		return
	}
	if c.handle == nil {
		c.handle = &h
	}
}

func (c *call) finish(ctx context.Context, err error) {
	r := c.r
	c.out.Fragments = c.st.FragmentCount
	elapsed := r.now().Sub(c.st.StartedAt)

	if err == nil {
		c.st.Phase = PhaseDone
		c.out.Phase = PhaseDone
		c.log.Info().
			Int("fragments", c.st.FragmentCount).
			Int("characters", c.st.TotalLength).
			Int("flushes", c.st.Flushes).
			Int("attempts", c.out.Attempts).
			Dur("elapsed", elapsed).
			Msg("relay completed")
		r.event(ctx, c.eventID, db.EventRelayCompleted, map[string]any{
			"fragments":  c.st.FragmentCount,
			"characters": c.st.TotalLength,
			"flushes":    c.st.Flushes,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	} else {
		failedIn := c.st.Phase
		c.st.Phase = PhaseFailed
		c.out.Phase = PhaseFailed
		c.out.Err = err
		kind := chat.KindOf(err)
		ev := c.log.Warn()
		if kind == chat.KindConfiguration || kind == "" {
			ev = c.log.Error()
		}
		ev.Err(err).
			Str("kind", string(kind)).
			Str("reason", chat.ReasonOf(err)).
			Str("phase", string(failedIn)).
			Int("fragments", c.st.FragmentCount).
			Dur("elapsed", elapsed).
			Msg("relay failed")
		r.event(ctx, c.eventID, db.EventRelayFailed, map[string]any{
			"kind":       string(kind),
			"reason":     chat.ReasonOf(err),
			"phase":      string(failedIn),
			"fragments":  c.st.FragmentCount,
			"elapsed_ms": elapsed.Milliseconds(),
		})
		if kind == chat.KindFrontEndDelivery {
			r.event(ctx, c.eventID, db.EventDeliveryAborted, nil)
		}
		if msg := UserMessage(err); msg != "" && ctx.Err() == nil {
			c.report(ctx, msg)
		}
	}

	if f, ok := c.in.FrontEnd.(frontend.Finisher); ok && c.handle != nil {
		f.Finish(ctx, *c.handle, err)
	}
}

func storeError(op string, err error) error {
	return &chat.Error{Kind: chat.KindTransient, Op: op, Reason: "store", Err: err}
}
