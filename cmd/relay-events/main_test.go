package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

func testDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	database, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, path
}

// seedTree inserts:
//
//	gateway.started            id=1
//	├── session.reset          id=2
//	├── relay.started          id=3
//	│   ├── retry.scheduled    id=4
//	│   └── relay.completed    id=5
//	└── relay.started          id=6
//	    ├── circuit.opened     id=7
//	    └── relay.failed       id=8
func seedTree(t *testing.T, database *sql.DB) int64 {
	t.Helper()
	log := func(parent *int64, typ string, payload map[string]any) int64 {
		id, err := db.LogEvent(database, parent, typ, payload)
		require.NoError(t, err)
		return id
	}
	root := log(nil, db.EventGatewayStarted, map[string]any{"pid": 100})
	log(&root, db.EventSessionReset, map[string]any{"user_id": "42"})
	ok := log(&root, db.EventRelayStarted, map[string]any{"user_id": "42", "provider": "openai"})
	log(&ok, db.EventRetryScheduled, map[string]any{"attempt": 1, "delay_ms": 1000})
	log(&ok, db.EventRelayCompleted, map[string]any{"fragments": 3, "characters": 11})
	bad := log(&root, db.EventRelayStarted, map[string]any{"user_id": "7", "provider": "claude"})
	log(&bad, db.EventCircuitOpened, map[string]any{"provider": "claude"})
	log(&bad, db.EventRelayFailed, map[string]any{"kind": "transient", "reason": "circuit_open"})
	return root
}

func TestLoadTree_LatestRoot(t *testing.T) {
	database, _ := testDB(t)
	seedTree(t, database)
	second := seedTree(t, database)

	root, err := loadTree(context.Background(), database, 0)
	require.NoError(t, err)
	assert.Equal(t, second, root.ID)
	assert.Equal(t, db.EventGatewayStarted, root.EventType)
	require.Len(t, root.Children, 3)
	assert.Len(t, root.Children[1].Children, 2)
}

func TestLoadTree_Subtree(t *testing.T) {
	database, _ := testDB(t)
	seedTree(t, database)

	root, err := loadTree(context.Background(), database, 6)
	require.NoError(t, err)
	assert.Equal(t, db.EventRelayStarted, root.EventType)
	require.Len(t, root.Children, 2)
	assert.Equal(t, db.EventRelayFailed, root.Children[1].EventType)

	_, err = loadTree(context.Background(), database, 999)
	assert.ErrorContains(t, err, "not found")
}

func TestLoadTree_Empty(t *testing.T) {
	database, _ := testDB(t)
	_, err := loadTree(context.Background(), database, 0)
	assert.ErrorContains(t, err, "gateway root")
}

func TestFormatEvent(t *testing.T) {
	ev := &db.Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: db.EventRelayFailed,
		Payload:   sql.NullString{String: `{"kind":"no_content","attempts":2}`, Valid: true},
	}
	line := formatEvent(ev, false)
	assert.Equal(t, "[42] 2025-02-17 08:30:01  relay.failed  attempts=2  kind=no_content", line)
	assert.Equal(t, "[42] 2025-02-17 08:30:01  relay.failed", formatEvent(ev, true))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "3", formatValue(float64(3)))
	assert.Equal(t, "1.5", formatValue(1.5))
	assert.Equal(t, "true", formatValue(true))
	long := strings.Repeat("é", 100)
	got := formatValue(long)
	assert.True(t, strings.HasSuffix(got, `..."`))
	assert.Equal(t, 80, strings.Count(got, "é"))
}

func TestRun_Tree(t *testing.T) {
	database, path := testDB(t)
	seedTree(t, database)

	var out, errOut bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-db", path}, &out, &errOut))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 8)
	assert.Contains(t, lines[0], "gateway.started")
	assert.True(t, strings.HasPrefix(lines[1], "├── "))
	assert.True(t, strings.HasPrefix(lines[3], "│   ├── "))
	assert.True(t, strings.HasPrefix(lines[5], "└── "))
	assert.True(t, strings.HasPrefix(lines[7], "    └── "))
	assert.Contains(t, lines[7], "reason=circuit_open")
}

func TestRun_DepthLimit(t *testing.T) {
	database, path := testDB(t)
	seedTree(t, database)

	var out, errOut bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-db", path, "-L", "2", "-no-payload"}, &out, &errOut))
	text := out.String()
	assert.Contains(t, text, "[...]")
	assert.NotContains(t, text, "relay.completed")
	assert.NotContains(t, text, "provider=")
}

func TestRun_JSON(t *testing.T) {
	database, path := testDB(t)
	seedTree(t, database)

	var out, errOut bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-db", path, "-json", "-id", "3"}, &out, &errOut))

	var got jsonEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, int64(3), got.ID)
	assert.Equal(t, db.EventRelayStarted, got.EventType)
	require.Len(t, got.Children, 2)
	assert.Equal(t, db.EventRelayCompleted, got.Children[1].EventType)
	payload, ok := got.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "openai", payload["provider"])
}

func TestRun_MissingDatabase(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), []string{"-db", filepath.Join(t.TempDir(), "none.db")}, &out, &errOut)
	assert.Error(t, err)
}
