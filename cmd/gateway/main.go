// Command gateway relays chat turns between Telegram, the HTTP API and LLM
// backends.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/discovery"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/httpapi"
	"github.com/stupiduntilnot/chatrelay/internal/logging"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/provider/anthropic"
	"github.com/stupiduntilnot/chatrelay/internal/provider/openai"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/store"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
	"github.com/stupiduntilnot/chatrelay/internal/usage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "[gateway] %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("CHATRELAY_CONFIG"), "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(logger.GetLevel())

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return multierr.Append(a.run(ctx), a.close())
}

var factories = map[provider.Kind]provider.Factory{
	provider.KindOpenAI:    openai.New,
	provider.KindAnthropic: anthropic.New,
	provider.KindDummy:     dummy.NewProviderFromDescriptor,
}

// app owns every long-lived component of one gateway process.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *provider.Registry
	store    store.Store
	relay    *relay.Relay
	bot      *bot.Bot
	http     *httpapi.Server
	consul   *discovery.Consul

	// closers run in reverse order after the relay drains.
	closers []func() error
}

func build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *app, err error) {
	if !cfg.Telegram.Enabled && !cfg.HTTP.Enabled {
		return nil, errors.New("no front end enabled: set telegram.enabled or http.enabled")
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.runClosers())
		}
	}()

	a.registry, err = provider.NewRegistry(cfg.Relay.DefaultProvider, cfg.Descriptors(), factories)
	if err != nil {
		return nil, err
	}

	var sessionDB *sql.DB
	a.store, sessionDB, err = openStore(ctx, cfg, a.registry)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	opts := []relay.Option{relay.WithLogger(logger)}

	if cfg.Journal.Enabled {
		journalDB := sessionDB
		if journalDB == nil || cfg.Journal.Path != cfg.Session.SQLitePath {
			if journalDB, err = db.Open(cfg.Journal.Path); err != nil {
				return nil, fmt.Errorf("open journal: %w", err)
			}
			a.closers = append(a.closers, journalDB.Close)
		}
		journal := db.NewJournal(journalDB)
		if _, err := journal.Start(ctx, map[string]any{
			"pid":       os.Getpid(),
			"providers": a.registry.Names(),
			"default":   a.registry.Default(),
			"telegram":  cfg.Telegram.Enabled,
			"http":      cfg.HTTP.Enabled,
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to journal gateway.started")
		}
		opts = append(opts, relay.WithJournal(journal))
	}

	recorder, err := newRecorder(cfg, logger)
	if err != nil {
		return nil, err
	}
	if rc, ok := recorder.(io.Closer); ok {
		a.closers = append(a.closers, rc.Close)
	}
	opts = append(opts, relay.WithRecorder(recorder))

	assembler := &ctxpkg.StandardAssembler{
		SystemPrompt:     cfg.Assembler.SystemPrompt,
		ImagePlaceholder: cfg.Assembler.ImagePlaceholder,
		Compressor:       &ctxpkg.SimpleCompressor{MaxTurns: cfg.Session.HistoryWindow},
	}
	a.relay = relay.New(cfg.RelayConfig(), a.store, a.registry, assembler, opts...)
	commands := commander.New(a.store, a.registry, commander.WithLanes(a.relay))

	if cfg.Telegram.Enabled {
		if a.bot, err = newBot(cfg.Telegram, a.relay, commands, logger); err != nil {
			return nil, err
		}
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Options{
			Relay:     a.relay,
			Lanes:     a.relay,
			Store:     a.store,
			Registry:  a.registry,
			Breakers:  a.relay.Breakers(),
			JWTSecret: []byte(cfg.HTTP.JWTSecret),
			Logger:    logger,
		})
		if cfg.Consul.Enabled {
			if a.consul, err = discovery.NewConsul(cfg.Consul.Address, logger); err != nil {
				return nil, err
			}
		}
	}

	logger.Info().
		Strs("providers", a.registry.Names()).
		Str("default_provider", a.registry.Default()).
		Str("session_backend", cfg.Session.Backend).
		Str("usage_backend", cfg.Usage.Backend).
		Bool("telegram", cfg.Telegram.Enabled).
		Bool("http", cfg.HTTP.Enabled).
		Msg("gateway ready")
	return a, nil
}

// openStore returns the session store and, for the sqlite backend, its
// database so the journal can share it.
func openStore(ctx context.Context, cfg config.Config, v store.Validator) (store.Store, *sql.DB, error) {
	opts := cfg.StoreOptions(v)
	switch cfg.Session.Backend {
	case "memory":
		return store.NewMemory(opts), nil, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Session.SQLitePath, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return s, s.DB(), nil
	case "redis":
		s, err := store.OpenRedis(ctx, cfg.RedisOptions(), opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return s, nil, nil
	case "postgres":
		s, err := store.OpenPostgres(cfg.Session.Postgres.DSN, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
}

func newRecorder(cfg config.Config, logger zerolog.Logger) (usage.Recorder, error) {
	var sink usage.Sink
	switch cfg.Usage.Backend {
	case "none":
		return usage.Nop{}, nil
	case "log":
		sink = usage.NewLogSink(logger)
	case "rocketmq":
		mq, err := usage.NewMQSink(usage.MQOptions{
			NameServers: cfg.Usage.RocketMQ.NameServers,
			Topic:       cfg.Usage.RocketMQ.Topic,
			Group:       cfg.Usage.RocketMQ.Group,
			Retries:     cfg.Usage.RocketMQ.Retries,
		})
		if err != nil {
			return nil, fmt.Errorf("start usage producer: %w", err)
		}
		return &closingRecorder{
			Async: usage.NewAsync(usage.Multi{usage.NewLogSink(logger), mq}, cfg.Usage.QueueSize, cfg.Usage.Workers, logger),
			sink:  mq,
		}, nil
	default:
		return nil, fmt.Errorf("unknown usage backend %q", cfg.Usage.Backend)
	}
	return usage.NewAsync(sink, cfg.Usage.QueueSize, cfg.Usage.Workers, logger), nil
}

// closingRecorder drains the queue before shutting the producer down.
type closingRecorder struct {
	*usage.Async
	sink io.Closer
}

func (c *closingRecorder) Close() error {
	return multierr.Append(c.Async.Close(), c.sink.Close())
}

func newBot(tc config.TelegramConfig, r *relay.Relay, commands *commander.Commander, logger zerolog.Logger) (*bot.Bot, error) {
	var handler *telegram.Handler
	opts := []bot.Option{
		bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *models.Update) {
			handler.Handle(ctx, b, update)
		}),
		bot.WithHTTPClient(tc.PollTimeout, &http.Client{Timeout: tc.PollTimeout + 10*time.Second}),
	}
	if tc.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(tc.ServerURL))
	}
	b, err := bot.New(tc.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	adapter := telegram.NewAdapter(b, telegram.WithLogger(logger))
	handler = telegram.NewHandler(adapter, r, commands, tc.AllowedUserIDs, logger)
	return b, nil
}

// run blocks until ctx is done or a front end fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.bot != nil {
		g.Go(func() error {
			a.logger.Info().Msg("telegram polling started")
			a.bot.Start(gctx)
			return nil
		})
	}
	if a.http != nil {
		g.Go(func() error { return a.http.Serve(gctx, a.cfg.HTTP.Addr) })
		if a.consul != nil {
			svc, err := discovery.ServiceFor(a.cfg.Consul.ServiceName, a.cfg.HTTP.Addr)
			if err != nil {
				return err
			}
			if err := a.consul.Register(svc); err != nil {
				a.logger.Warn().Err(err).Msg("consul registration failed")
			} else {
				defer func() {
					if err := a.consul.Deregister(svc.ID); err != nil {
						a.logger.Warn().Err(err).Msg("consul deregistration failed")
					}
				}()
			}
		}
	}
	err := g.Wait()
	a.logger.Info().Msg("front ends stopped, draining relays")
	return err
}

// close waits for in-flight relays, then releases resources.
func (a *app) close() error {
	if a.relay != nil {
		a.relay.Close()
	}
	return a.runClosers()
}

func (a *app) runClosers() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
