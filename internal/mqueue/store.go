package mqueue

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jra3/rbxsync/internal/protocol"
)

//go:embed schema.sql
var schemaSQL string

// Store durably persists published messages so a subscriber can
// reconnect with its cursor across a server restart. The schema is
// embedded and executed on open; WAL mode keeps appends cheap.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates a SQLite-backed message history at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create queue db directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize queue schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Append persists a single published message.
func (s *Store) Append(m Message) error {
	var patchBytes []byte
	var notification sql.NullString
	if m.Patch != nil {
		data, err := protocol.Encode(*m.Patch)
		if err != nil {
			return fmt.Errorf("encode patch for cursor %d: %w", m.Cursor, err)
		}
		patchBytes = data
	}
	if m.Notification != "" {
		notification = sql.NullString{String: m.Notification, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (cursor, patch, notification) VALUES (?, ?, ?)`,
		m.Cursor, patchBytes, notification,
	)
	if err != nil {
		return fmt.Errorf("append message cursor %d: %w", m.Cursor, err)
	}
	return nil
}

// LoadAll returns every persisted message in cursor order, plus the
// highest cursor seen (0 if the store is empty).
func (s *Store) LoadAll() ([]Message, uint64, error) {
	rows, err := s.db.Query(`SELECT cursor, patch, notification FROM messages ORDER BY cursor ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("load queue history: %w", err)
	}
	defer rows.Close()

	var out []Message
	var maxCursor uint64
	for rows.Next() {
		var cursor uint64
		var patchBytes []byte
		var notification sql.NullString
		if err := rows.Scan(&cursor, &patchBytes, &notification); err != nil {
			return nil, 0, fmt.Errorf("scan message row: %w", err)
		}
		m := Message{Cursor: cursor}
		if notification.Valid {
			m.Notification = notification.String
		}
		if len(patchBytes) > 0 {
			var wp protocol.WirePatch
			if err := protocol.Decode(patchBytes, &wp); err != nil {
				return nil, 0, fmt.Errorf("decode persisted patch cursor %d: %w", cursor, err)
			}
			m.Patch = &wp
		}
		out = append(out, m)
		if cursor > maxCursor {
			maxCursor = cursor
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate queue history: %w", err)
	}
	return out, maxCursor, nil
}

// Trim deletes persisted messages with a cursor at or below `cursor`,
// keeping the durable store from growing unbounded (the in-memory ring
// buffer, not this store, backs most reconnections; this caps worst-case
// disk growth for long-running servers).
func (s *Store) Trim(cursor uint64) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE cursor <= ?`, cursor)
	if err != nil {
		return fmt.Errorf("trim queue history up to cursor %d: %w", cursor, err)
	}
	return nil
}
