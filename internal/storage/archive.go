// Package storage keeps a local SQLite copy of merged conversation
// timelines, so chat opens instantly on restart and survives offline gaps.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
)

// Archive wraps the SQLite message store.
type Archive struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the archive database in the given directory.
func Open(configDir string) (*Archive, error) {
	dbPath := filepath.Join(configDir, "messages.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrency; busy timeout so a second writer waits
	// instead of failing.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			match_id    TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content     TEXT NOT NULL,
			is_read     INTEGER DEFAULT 0,
			created_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_match
		ON messages (match_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create match index: %w", err)
	}

	return &Archive{db: db, path: dbPath}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the database file path.
func (a *Archive) Path() string {
	return a.path
}

// SaveMessages upserts a batch of messages. The read flag is monotonic: an
// unread copy never overwrites a stored read one.
func (a *Archive) SaveMessages(msgs []proto.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, match_id, sender_id, receiver_id, content, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			is_read = MAX(messages.is_read, excluded.is_read)`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		read := 0
		if m.IsRead {
			read = 1
		}
		if _, err := stmt.Exec(m.ID, m.MatchID, m.SenderID, m.ReceiverID, m.Content, read, m.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("upsert %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// MarkRead flips the stored read flag for a message. Unknown ids are a
// no-op: the live copy will arrive with the flag already set.
func (a *Archive) MarkRead(messageID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.db.Exec(`UPDATE messages SET is_read = 1 WHERE id = ?`, messageID)
	return err
}

// LoadConversation returns all stored messages for a match, oldest first.
func (a *Archive) LoadConversation(matchID string) ([]proto.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rows, err := a.db.Query(`
		SELECT id, match_id, sender_id, receiver_id, content, is_read, created_at
		FROM messages WHERE match_id = ? ORDER BY created_at ASC`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []proto.Message
	for rows.Next() {
		var m proto.Message
		var read int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.MatchID, &m.SenderID, &m.ReceiverID, &m.Content, &read, &createdAt); err != nil {
			return nil, err
		}
		m.IsRead = read != 0
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteConversation removes all stored messages for a match.
func (a *Archive) DeleteConversation(matchID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.db.Exec(`DELETE FROM messages WHERE match_id = ?`, matchID)
	return err
}
