// Package history persists conversation messages and serves them back in
// pages for backward loading.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pocketcode/client/ledger"
)

// DefaultPageSize is the number of messages fetched per backward page.
const DefaultPageSize = 50

// Fetcher serves one page of messages older than the given offset, counted
// backward from the newest. Pages come back in chronological order. A page
// shorter than limit means no older history remains.
type Fetcher interface {
	FetchPage(ctx context.Context, sessionID string, limit, offset int) ([]ledger.Message, error)
}

// Appender records a message for later pagination.
type Appender interface {
	Append(ctx context.Context, sessionID string, msg ledger.Message) error
}

// SQLiteStore implements Fetcher and Appender on a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	status     TEXT NOT NULL,
	PRIMARY KEY (session_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session_time
	ON messages (session_id, timestamp);
`

// OpenSQLite opens (creating if needed) the store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append records a message, replacing any prior row with the same id so a
// re-delivered message keeps a single live copy.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg ledger.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, id, role, content, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status`,
		sessionID, msg.ID, string(msg.Role), msg.Content,
		msg.Timestamp.UnixMicro(), string(msg.Status))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// FetchPage returns limit messages older than offset-from-newest, in
// chronological order.
func (s *SQLiteStore) FetchPage(ctx context.Context, sessionID string, limit, offset int) ([]ledger.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, status FROM messages
		WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer rows.Close()

	var page []ledger.Message
	for rows.Next() {
		var msg ledger.Message
		var role, status string
		var ts int64
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &ts, &status); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = ledger.Role(role)
		msg.Status = ledger.Status(status)
		msg.Timestamp = time.UnixMicro(ts)
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	// Rows came back newest first; flip to chronological.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
