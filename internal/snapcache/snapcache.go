// Package snapcache persists the last board snapshot per adapter in SQLite
// and records the diff events between consecutive snapshots. The cache lets
// status reporting show what changed on the board since the previous tick.
package snapcache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arctek/clawban/board"
)

// Cache wraps the SQLite connection holding snapshots and board events.
type Cache struct {
	db   *sql.DB
	path string
}

// Open opens or creates the snapshot cache at the given path.
func Open(dbPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	c := &Cache{db: db, path: dbPath}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot cache: %w", err)
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Path returns the database file location.
func (c *Cache) Path() string { return c.path }

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var version int
	if err := c.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := c.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

const migration1 = `
CREATE TABLE IF NOT EXISTS snapshots (
    adapter TEXT PRIMARY KEY,
    taken_at DATETIME NOT NULL,
    payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS board_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    adapter TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    kind TEXT NOT NULL,
    ticket_id TEXT NOT NULL,
    from_stage TEXT,
    to_stage TEXT
);

CREATE INDEX IF NOT EXISTS idx_board_events_adapter_time
    ON board_events(adapter, observed_at);
`

// LoadSnapshot returns the last stored snapshot for an adapter, or nil when
// none has been recorded yet.
func (c *Cache) LoadSnapshot(adapterName string) (board.Snapshot, error) {
	var payload string
	err := c.db.QueryRow("SELECT payload FROM snapshots WHERE adapter = ?", adapterName).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", adapterName, err)
	}

	var snap board.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", adapterName, err)
	}
	return snap, nil
}

// Record stores the new snapshot and appends the diff events against the
// previously stored one. It returns the events so callers can log them.
func (c *Cache) Record(adapterName string, now time.Time, next board.Snapshot) ([]board.Event, error) {
	prev, err := c.LoadSnapshot(adapterName)
	if err != nil {
		return nil, err
	}
	// No stored snapshot means a fresh cache, not a board where everything
	// was just created.
	var events []board.Event
	if prev != nil {
		events = board.Diff(prev, next)
	}

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot for %s: %w", adapterName, err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO snapshots (adapter, taken_at, payload) VALUES (?, ?, ?)
		ON CONFLICT(adapter) DO UPDATE SET taken_at = excluded.taken_at, payload = excluded.payload
	`, adapterName, now.UTC(), string(payload))
	if err != nil {
		return nil, fmt.Errorf("store snapshot for %s: %w", adapterName, err)
	}

	for _, ev := range events {
		_, err = tx.Exec(`
			INSERT INTO board_events (adapter, observed_at, kind, ticket_id, from_stage, to_stage)
			VALUES (?, ?, ?, ?, ?, ?)
		`, adapterName, now.UTC(), string(ev.Kind), ev.ID, string(ev.From), string(ev.To))
		if err != nil {
			return nil, fmt.Errorf("store board event for %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot for %s: %w", adapterName, err)
	}
	return events, nil
}

// RecentEvent is one row of recorded board history.
type RecentEvent struct {
	ObservedAt time.Time       `json:"observedAt"`
	Kind       board.EventKind `json:"kind"`
	TicketID   string          `json:"ticketId"`
	FromStage  string          `json:"fromStage,omitempty"`
	ToStage    string          `json:"toStage,omitempty"`
}

// RecentEvents returns the newest events for an adapter, newest first.
func (c *Cache) RecentEvents(adapterName string, limit int) ([]RecentEvent, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := c.db.Query(`
		SELECT observed_at, kind, ticket_id, COALESCE(from_stage, ''), COALESCE(to_stage, '')
		FROM board_events WHERE adapter = ?
		ORDER BY id DESC LIMIT ?
	`, adapterName, limit)
	if err != nil {
		return nil, fmt.Errorf("query board events: %w", err)
	}
	defer rows.Close()

	var events []RecentEvent
	for rows.Next() {
		var ev RecentEvent
		var kind string
		if err := rows.Scan(&ev.ObservedAt, &kind, &ev.TicketID, &ev.FromStage, &ev.ToStage); err != nil {
			return nil, fmt.Errorf("scan board event: %w", err)
		}
		ev.Kind = board.EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
