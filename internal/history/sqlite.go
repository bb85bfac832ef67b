// Package history persists conversation messages to SQLite so threads
// survive a restart. Writes are fire-and-forget from the gateway's point of
// view: a history failure is logged, never surfaced to the user mid-turn.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datatalk-ai/datatalk/internal/store"
)

// SQLiteStore appends and loads conversation history.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the history database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps appends from blocking concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Printf("[History] SQLite store initialized at %s", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT,
		name TEXT,
		tool_call_id TEXT,
		tool_calls TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append writes one message. Errors are returned for the caller to log.
func (s *SQLiteStore) Append(conversationID, userID string, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	toolCallsJSON := ""
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			toolCallsJSON = string(data)
		}
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(`
	INSERT INTO messages (id, conversation_id, user_id, role, content, name, tool_call_id, tool_calls, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING
	`,
		msg.ID,
		conversationID,
		userID,
		msg.Role,
		msg.Content,
		msg.Name,
		msg.ToolCallID,
		toolCallsJSON,
		createdAt.Format(time.RFC3339Nano),
	)
	return err
}

// Load returns a conversation's messages in order.
func (s *SQLiteStore) Load(conversationID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, role, content, name, tool_call_id, tool_calls, created_at
	FROM messages
	WHERE conversation_id = ?
	ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var msg store.Message
		var name, toolCallID, toolCallsJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &name, &toolCallID, &toolCallsJSON, &createdAt); err != nil {
			log.Printf("[History] Skipping unreadable row: %v", err)
			continue
		}

		msg.Name = name.String
		msg.ToolCallID = toolCallID.String
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				log.Printf("[History] Skipping malformed tool calls for message %s: %v", msg.ID, err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			msg.CreatedAt = t
		}

		out = append(out, msg)
	}
	return out, rows.Err()
}

// DeleteConversation drops a conversation's history.
func (s *SQLiteStore) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID)
	return err
}
