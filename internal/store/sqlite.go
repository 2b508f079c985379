package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// SQLite stores sessions in the sessions and turns tables created by the
// db migrations.
type SQLite struct {
	db   *sql.DB
	opts Options
	own  bool
}

// NewSQLite wraps an already migrated database. The caller keeps ownership.
func NewSQLite(database *sql.DB, opts Options) *SQLite {
	return &SQLite{db: database, opts: opts.withDefaults()}
}

// OpenSQLite opens and migrates the database at path.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLite(database, opts)
	s.own = true
	return s, nil
}

// DB exposes the handle so the relay journal can share it.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Get(ctx context.Context, userID string) (chat.Session, error) {
	var provider string
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, last_activity FROM sessions WHERE user_id = ?`, userID,
	).Scan(&provider, &last)
	if errors.Is(err, sql.ErrNoRows) {
		if err := ensureSession(ctx, s.db, userID, s.opts.DefaultProvider); err != nil {
			return chat.Session{}, err
		}
		return s.opts.fresh(userID), nil
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("load session %s: %w", userID, err)
	}

	history, err := s.history(ctx, userID)
	if err != nil {
		return chat.Session{}, err
	}
	return chat.Session{UserID: userID, Provider: provider, History: history, LastActivity: fromNanos(last)}, nil
}

// history returns the most recent window turns, oldest first.
func (s *SQLite) history(ctx context.Context, userID string) ([]chat.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, image_mime, image, provider, created_at FROM turns
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, s.opts.Window,
	)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", userID, err)
	}
	defer rows.Close()

	var results []chat.Turn
	for rows.Next() {
		var (
			role, text     string
			mime, provider sql.NullString
			image          []byte
			createdAt      int64
		)
		if err := rows.Scan(&role, &text, &mime, &image, &provider, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t := chat.Turn{Role: chat.Role(role), Content: text, Provider: provider.String, Timestamp: fromNanos(createdAt)}
		if len(image) > 0 {
			t.Image = &chat.Image{MIMEType: mime.String, Data: image}
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func (s *SQLite) AppendTurn(ctx context.Context, userID string, turns ...chat.Turn) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := ensureSession(ctx, tx, userID, s.opts.DefaultProvider); err != nil {
			return err
		}
		for _, t := range turns {
			var mime any
			var image any
			if t.Image != nil {
				mime, image = t.Image.MIMEType, t.Image.Data
			}
			ts := t.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO turns (user_id, role, text, image_mime, image, provider, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				userID, string(t.Role), t.Content, mime, image, t.Provider, ts.UnixNano(),
			); err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM turns WHERE user_id = ? AND id NOT IN (
				SELECT id FROM turns WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`,
			userID, userID, s.opts.Window,
		)
		if err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		return nil
	})
}

func (s *SQLite) SetProvider(ctx context.Context, userID, provider string) error {
	if err := s.opts.validate(provider); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, provider, last_activity) VALUES (?, ?, 0)
		 ON CONFLICT(user_id) DO UPDATE SET provider = excluded.provider`,
		userID, provider,
	)
	if err != nil {
		return fmt.Errorf("set provider: %w", err)
	}
	return nil
}

func (s *SQLite) MaybeResetOnIdle(ctx context.Context, userID string, now time.Time) (bool, error) {
	reset := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := ensureSession(ctx, tx, userID, s.opts.DefaultProvider); err != nil {
			return err
		}
		var last int64
		if err := tx.QueryRowContext(ctx, `SELECT last_activity FROM sessions WHERE user_id = ?`, userID).Scan(&last); err != nil {
			return fmt.Errorf("load last activity: %w", err)
		}
		if idleExpired(fromNanos(last), now, s.opts.IdleThreshold) {
			res, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID)
			if err != nil {
				return fmt.Errorf("reset history: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("reset history: %w", err)
			}
			reset = n > 0
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE user_id = ?`, toNanos(now), userID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	return reset, err
}

func (s *SQLite) ClearHistory(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureSession(ctx context.Context, e execer, userID, provider string) error {
	_, err := e.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (user_id, provider, last_activity) VALUES (?, ?, 0)`,
		userID, provider,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", userID, err)
	}
	return nil
}
