package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/wopr-bot/wopr/internal/knowledge"
	"github.com/wopr-bot/wopr/internal/memory"
	"github.com/wopr-bot/wopr/internal/tools"
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SQLiteStore persists to a SQLite database. Conversations are stored as
// JSON documents and tools as YAML, one row each.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with WAL
// journaling and migrates it.
func Open(driver, path string) (*SQLiteStore, error) {
	var dsn string
	switch driver {
	case DriverCGO, "":
		driver = DriverCGO
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPureGo:
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore uses an existing connection. The caller keeps
// ownership of db unless it calls Close.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the connection so other tables can share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			user_id    TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, id)
		);
		CREATE TABLE IF NOT EXISTS current_conversation (
			user_id         TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS knowledge (
			user_id     TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (user_id, key)
		);
		CREATE TABLE IF NOT EXISTS tools (
			user_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			definition TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, name)
		);
	`)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// GetConversation implements Store.
func (s *SQLiteStore) GetConversation(userID, id string) (*memory.Conversation, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM conversations WHERE user_id = ? AND id = ?`, userID, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return decodeConversation(data)
}

func decodeConversation(data string) (*memory.Conversation, error) {
	var conv memory.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// SetConversation implements Store.
func (s *SQLiteStore) SetConversation(userID string, conv *memory.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO conversations (user_id, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, userID, conv.ID, string(data), now())
	if err != nil {
		return fmt.Errorf("set conversation %s: %w", conv.ID, err)
	}
	return nil
}

// ListConversations implements Store.
func (s *SQLiteStore) ListConversations(userID string) ([]*memory.Conversation, error) {
	rows, err := s.db.Query(`SELECT data FROM conversations WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*memory.Conversation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		conv, err := decodeConversation(data)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// GetCurrentConversation implements Store.
func (s *SQLiteStore) GetCurrentConversation(userID string) (*memory.Conversation, error) {
	var id string
	err := s.db.QueryRow(`SELECT conversation_id FROM current_conversation WHERE user_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current conversation: %w", err)
	}
	return s.GetConversation(userID, id)
}

// SetCurrentConversation implements Store.
func (s *SQLiteStore) SetCurrentConversation(userID, id string) error {
	_, err := s.db.Exec(`
		INSERT INTO current_conversation (user_id, conversation_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET conversation_id = excluded.conversation_id
	`, userID, id)
	if err != nil {
		return fmt.Errorf("set current conversation: %w", err)
	}
	return nil
}

// GetKnowledgeBase implements Store.
func (s *SQLiteStore) GetKnowledgeBase(userID string) (knowledge.Base, error) {
	rows, err := s.db.Query(`SELECT key, value, description, updated_at FROM knowledge WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	base := make(knowledge.Base)
	for rows.Next() {
		var e knowledge.Entry
		var updated string
		if err := rows.Scan(&e.Key, &e.Value, &e.Description, &updated); err != nil {
			return nil, err
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		base[e.Key] = e
	}
	return base, rows.Err()
}

// SetKnowledge implements Store.
func (s *SQLiteStore) SetKnowledge(userID, key string, e knowledge.Entry) error {
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO knowledge (user_id, key, value, description, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			updated_at = excluded.updated_at
	`, userID, key, e.Value, e.Description, updated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set knowledge %s: %w", key, err)
	}
	return nil
}

// DeleteKnowledge implements Store.
func (s *SQLiteStore) DeleteKnowledge(userID, key string) error {
	if _, err := s.db.Exec(`DELETE FROM knowledge WHERE user_id = ? AND key = ?`, userID, key); err != nil {
		return fmt.Errorf("delete knowledge %s: %w", key, err)
	}
	return nil
}

// ListTools implements Store.
func (s *SQLiteStore) ListTools(userID string) ([]tools.Definition, error) {
	rows, err := s.db.Query(`SELECT name, definition FROM tools WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []tools.Definition
	for rows.Next() {
		var name, text string
		if err := rows.Scan(&name, &text); err != nil {
			return nil, err
		}
		def, err := tools.ParseDefinition(text)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		out = append(out, *def)
	}
	return out, rows.Err()
}

// AddTool implements Store.
func (s *SQLiteStore) AddTool(userID string, def tools.Definition) error {
	name := strings.TrimSpace(def.Function.Name)
	if name == "" {
		return fmt.Errorf("%w: function name is required", tools.ErrInvalidDefinition)
	}
	text, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("encode tool %s: %w", name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO tools (user_id, name, definition, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
	`, userID, name, string(text), now())
	if err != nil {
		return fmt.Errorf("add tool %s: %w", name, err)
	}
	return nil
}
