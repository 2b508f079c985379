package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

const redisTxRetries = 8

// RedisOptions configure the Redis backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires idle session keys entirely; zero keeps them forever.
	TTL time.Duration
}

// Redis stores one JSON session blob per user and updates it with
// optimistic WATCH/MULTI transactions.
type Redis struct {
	client *redis.Client
	opts   Options
	prefix string
	ttl    time.Duration
	own    bool
}

// NewRedis wraps an existing client. The caller keeps ownership.
func NewRedis(client *redis.Client, ro RedisOptions, opts Options) *Redis {
	prefix := ro.KeyPrefix
	if prefix == "" {
		prefix = "chatrelay:session:"
	}
	return &Redis{client: client, opts: opts.withDefaults(), prefix: prefix, ttl: ro.TTL}
}

// OpenRedis connects to the server and checks it responds.
func OpenRedis(ctx context.Context, ro RedisOptions, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: ro.Addr, Password: ro.Password, DB: ro.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", ro.Addr, err)
	}
	r := NewRedis(client, ro, opts)
	r.own = true
	return r, nil
}

func (r *Redis) key(userID string) string { return r.prefix + userID }

func (r *Redis) load(ctx context.Context, c redis.Cmdable, userID string) (chat.Session, error) {
	data, err := c.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return r.opts.fresh(userID), nil
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("load session %s: %w", userID, err)
	}
	var s chat.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return chat.Session{}, fmt.Errorf("decode session %s: %w", userID, err)
	}
	return s, nil
}

// update applies fn to the stored session inside a WATCH transaction,
// retrying when another writer raced it.
func (r *Redis) update(ctx context.Context, userID string, fn func(s *chat.Session)) error {
	key := r.key(userID)
	txf := func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		fn(&s)
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", userID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < redisTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update session %s: %w", userID, redis.TxFailedErr)
}

func (r *Redis) Get(ctx context.Context, userID string) (chat.Session, error) {
	s, err := r.load(ctx, r.client, userID)
	if err != nil {
		return chat.Session{}, err
	}
	s.History = chat.TrimHistory(s.History, r.opts.Window)
	return s, nil
}

func (r *Redis) AppendTurn(ctx context.Context, userID string, turns ...chat.Turn) error {
	return r.update(ctx, userID, func(s *chat.Session) {
		s.History = chat.TrimHistory(append(s.History, turns...), r.opts.Window)
	})
}

func (r *Redis) SetProvider(ctx context.Context, userID, provider string) error {
	if err := r.opts.validate(provider); err != nil {
		return err
	}
	return r.update(ctx, userID, func(s *chat.Session) {
		s.Provider = provider
	})
}

func (r *Redis) MaybeResetOnIdle(ctx context.Context, userID string, now time.Time) (bool, error) {
	reset := false
	err := r.update(ctx, userID, func(s *chat.Session) {
		reset = len(s.History) > 0 && idleExpired(s.LastActivity, now, r.opts.IdleThreshold)
		if reset {
			s.History = nil
		}
		s.LastActivity = now
	})
	return reset, err
}

func (r *Redis) ClearHistory(ctx context.Context, userID string) error {
	return r.update(ctx, userID, func(s *chat.Session) {
		s.History = nil
	})
}

func (r *Redis) Close() error {
	if !r.own {
		return nil
	}
	return r.client.Close()
}
