package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

// LatestRoot returns the most recent gateway.started event id.
func LatestRoot(ctx context.Context, db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		EventGatewayStarted,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no %s event found", EventGatewayStarted)
	}
	return id, err
}

// QuerySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func QuerySubtree(ctx context.Context, db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// BuildTree organizes a flat list of events into a tree rooted at rootID.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}

// Journal records relay events under a single gateway.started root.
type Journal struct {
	db *sql.DB

	mu   sync.Mutex
	root *int64
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Start logs the root event for this process.
func (j *Journal) Start(ctx context.Context, payload map[string]any) (int64, error) {
	id, err := LogEventContext(ctx, j.db, nil, EventGatewayStarted, payload)
	if err != nil {
		return 0, err
	}
	j.mu.Lock()
	j.root = &id
	j.mu.Unlock()
	return id, nil
}

// Log records an event. A nil parent attaches it to the process root.
func (j *Journal) Log(ctx context.Context, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	if parentID == nil {
		j.mu.Lock()
		parentID = j.root
		j.mu.Unlock()
	}
	return LogEventContext(ctx, j.db, parentID, eventType, payload)
}
