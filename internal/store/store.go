// Package store provides a SQLite-backed persistence layer for the
// question-answering service. It records the Q&A history and the extracted
// problem cards for each (owner, session) scope, so conversations and
// extraction results survive server restarts and can be listed back to the
// caller.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/docqa-go/internal/rag"
)

// MessageType identifies the kind of a history entry.
type MessageType string

const (
	// TypeQuestion is a question asked by the caller.
	TypeQuestion MessageType = "question"
	// TypeAnswer is the answer the service produced.
	TypeAnswer MessageType = "answer"
)

// Message is a single entry in a session's Q&A history.
type Message struct {
	// Type says whether this entry is a question or an answer.
	Type MessageType `json:"type"`
	// Text is the message content.
	Text string `json:"text"`
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time `json:"createdAt"`
}

// CardRecord is one persisted extraction result.
type CardRecord struct {
	// Cards is the extracted card array as returned by the model.
	Cards json.RawMessage `json:"cards"`
	// CreatedAt is when the extraction was persisted.
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryStore persists Q&A history and extraction results keyed by scope.
// Implementations must be safe for concurrent use.
type HistoryStore interface {
	// AppendMessage persists one history entry for the scope.
	AppendMessage(ctx context.Context, scope rag.Scope, typ MessageType, text string) error
	// History returns the scope's messages ordered oldest-first.
	History(ctx context.Context, scope rag.Scope) ([]Message, error)
	// AppendCards persists one extraction result for the scope.
	AppendCards(ctx context.Context, scope rag.Scope, cards json.RawMessage) error
	// Cards returns the scope's extraction results, newest-first.
	Cards(ctx context.Context, scope rag.Scope) ([]CardRecord, error)
	// DeleteScope removes all history and cards for the scope.
	DeleteScope(ctx context.Context, scope rag.Scope) error
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a HistoryStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the history database. It
// resolves to ~/.docqa/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".docqa")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chat_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id     TEXT    NOT NULL,
    session_id   TEXT    NOT NULL,
    message_type TEXT    NOT NULL CHECK(message_type IN ('question','answer')),
    message_text TEXT    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_chat_history_scope_created
    ON chat_history (owner_id, session_id, created_at);

CREATE TABLE IF NOT EXISTS cards (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id     TEXT    NOT NULL,
    session_id   TEXT    NOT NULL,
    card_json    TEXT    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_cards_scope_created
    ON cards (owner_id, session_id, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// AppendMessage persists one history entry for the scope.
func (s *SQLiteStore) AppendMessage(ctx context.Context, scope rag.Scope, typ MessageType, text string) error {
	const q = `INSERT INTO chat_history (owner_id, session_id, message_type, message_text, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, scope.OwnerID, scope.SessionID, string(typ), text, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// History returns the scope's messages ordered oldest-first, so the sequence
// reads as the conversation happened.
func (s *SQLiteStore) History(ctx context.Context, scope rag.Scope) ([]Message, error) {
	const q = `
SELECT message_type, message_text, created_at
FROM   chat_history
WHERE  owner_id = ? AND session_id = ?
ORDER  BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, scope.OwnerID, scope.SessionID)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		var typ string
		if err := rows.Scan(&typ, &m.Text, &ts); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		m.Type = MessageType(typ)
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history rows: %w", err)
	}
	return msgs, nil
}

// AppendCards persists one extraction result for the scope.
func (s *SQLiteStore) AppendCards(ctx context.Context, scope rag.Scope, cards json.RawMessage) error {
	const q = `INSERT INTO cards (owner_id, session_id, card_json, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, scope.OwnerID, scope.SessionID, string(cards), time.Now().Unix()); err != nil {
		return fmt.Errorf("store: append cards: %w", err)
	}
	return nil
}

// Cards returns the scope's extraction results, newest-first.
func (s *SQLiteStore) Cards(ctx context.Context, scope rag.Scope) ([]CardRecord, error) {
	const q = `
SELECT card_json, created_at
FROM   cards
WHERE  owner_id = ? AND session_id = ?
ORDER  BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q, scope.OwnerID, scope.SessionID)
	if err != nil {
		return nil, fmt.Errorf("store: cards: %w", err)
	}
	defer rows.Close()

	var records []CardRecord
	for rows.Next() {
		var r CardRecord
		var ts int64
		var raw string
		if err := rows.Scan(&raw, &ts); err != nil {
			return nil, fmt.Errorf("store: cards scan: %w", err)
		}
		r.Cards = json.RawMessage(raw)
		r.CreatedAt = time.Unix(ts, 0)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: cards rows: %w", err)
	}
	return records, nil
}

// DeleteScope removes all history and cards for the scope. Deleting a scope
// that has no rows is not an error.
func (s *SQLiteStore) DeleteScope(ctx context.Context, scope rag.Scope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete scope: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_history WHERE owner_id = ? AND session_id = ?`, scope.OwnerID, scope.SessionID); err != nil {
		return fmt.Errorf("store: delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE owner_id = ? AND session_id = ?`, scope.OwnerID, scope.SessionID); err != nil {
		return fmt.Errorf("store: delete cards: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete scope commit: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
