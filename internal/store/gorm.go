package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// SessionModel is the gorm row for one user.
type SessionModel struct {
	UserID       string `gorm:"primaryKey;size:191"`
	Provider     string `gorm:"size:128;not null"`
	LastActivity int64  `gorm:"not null;default:0"`
	UpdatedAt    time.Time
}

func (SessionModel) TableName() string { return "chat_sessions" }

// TurnModel is the gorm row for one stored turn.
type TurnModel struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"size:191;index:idx_chat_turns_user_id"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text;not null"`
	ImageMIME string `gorm:"size:64"`
	Image     []byte
	Provider  string `gorm:"size:128"`
	Timestamp int64  `gorm:"not null"`
}

func (TurnModel) TableName() string { return "chat_turns" }

// Gorm stores sessions through gorm; production uses the Postgres driver.
type Gorm struct {
	db   *gorm.DB
	opts Options
}

// NewGorm migrates the schema on db and returns a store over it.
func NewGorm(db *gorm.DB, opts Options) (*Gorm, error) {
	if err := db.AutoMigrate(&SessionModel{}, &TurnModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate sessions: %w", err)
	}
	return &Gorm{db: db, opts: opts.withDefaults()}, nil
}

// OpenPostgres connects with the given DSN.
func OpenPostgres(dsn string, opts Options) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGorm(db, opts)
}

func (g *Gorm) session(tx *gorm.DB, userID string) (SessionModel, error) {
	var m SessionModel
	err := tx.Where(SessionModel{UserID: userID}).
		Attrs(SessionModel{Provider: g.opts.DefaultProvider}).
		FirstOrCreate(&m).Error
	if err != nil {
		return SessionModel{}, fmt.Errorf("load session %s: %w", userID, err)
	}
	return m, nil
}

func (g *Gorm) Get(ctx context.Context, userID string) (chat.Session, error) {
	var out chat.Session
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := g.session(tx, userID)
		if err != nil {
			return err
		}
		var rows []TurnModel
		if err := tx.Where("user_id = ?", userID).Order("id desc").Limit(g.opts.Window).Find(&rows).Error; err != nil {
			return fmt.Errorf("load history %s: %w", userID, err)
		}
		history := make([]chat.Turn, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			history = append(history, rows[i].turn())
		}
		out = chat.Session{UserID: userID, Provider: m.Provider, LastActivity: fromNanos(m.LastActivity)}
		if len(history) > 0 {
			out.History = history
		}
		return nil
	})
	return out, err
}

func (t TurnModel) turn() chat.Turn {
	out := chat.Turn{Role: chat.Role(t.Role), Content: t.Content, Provider: t.Provider, Timestamp: fromNanos(t.Timestamp)}
	if len(t.Image) > 0 {
		out.Image = &chat.Image{MIMEType: t.ImageMIME, Data: t.Image}
	}
	return out
}

func (g *Gorm) AppendTurn(ctx context.Context, userID string, turns ...chat.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := g.session(tx, userID); err != nil {
			return err
		}
		rows := make([]TurnModel, 0, len(turns))
		for _, t := range turns {
			ts := t.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			row := TurnModel{UserID: userID, Role: string(t.Role), Content: t.Content, Provider: t.Provider, Timestamp: ts.UnixNano()}
			if t.Image != nil {
				row.ImageMIME, row.Image = t.Image.MIMEType, t.Image.Data
			}
			rows = append(rows, row)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert turns: %w", err)
		}

		var ids []uint
		if err := tx.Model(&TurnModel{}).Where("user_id = ?", userID).Order("id desc").Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("list turns: %w", err)
		}
		if len(ids) <= g.opts.Window {
			return nil
		}
		if err := tx.Where("id IN ?", ids[g.opts.Window:]).Delete(&TurnModel{}).Error; err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		return nil
	})
}

func (g *Gorm) SetProvider(ctx context.Context, userID, provider string) error {
	if err := g.opts.validate(provider); err != nil {
		return err
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := g.session(tx, userID); err != nil {
			return err
		}
		return tx.Model(&SessionModel{}).Where("user_id = ?", userID).Update("provider", provider).Error
	})
}

func (g *Gorm) MaybeResetOnIdle(ctx context.Context, userID string, now time.Time) (bool, error) {
	reset := false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := g.session(tx, userID)
		if err != nil {
			return err
		}
		if idleExpired(fromNanos(m.LastActivity), now, g.opts.IdleThreshold) {
			res := tx.Where("user_id = ?", userID).Delete(&TurnModel{})
			if res.Error != nil {
				return fmt.Errorf("reset history: %w", res.Error)
			}
			reset = res.RowsAffected > 0
		}
		return tx.Model(&SessionModel{}).Where("user_id = ?", userID).Update("last_activity", toNanos(now)).Error
	})
	return reset, err
}

func (g *Gorm) ClearHistory(ctx context.Context, userID string) error {
	return g.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&TurnModel{}).Error
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
