// Package store provides SQLite-backed persistence for Parley.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/parley/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a chat session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// DefaultSessionTitle names sessions created without a title.
const DefaultSessionTitle = "New Chat"

// Store provides access to the Parley SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		history TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		speaker TEXT,
		content TEXT NOT NULL,
		tags TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS journal (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated_at ON chat_sessions(updated_at);
	CREATE INDEX IF NOT EXISTS idx_memory_items_session_id ON memory_items(session_id);
	CREATE INDEX IF NOT EXISTS idx_journal_task_id ON journal(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Chat Sessions ---

// CreateSession inserts an empty chat session and returns its id.
func (s *Store) CreateSession(ctx context.Context, title string) (string, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultSessionTitle
	}
	now := time.Now().UTC()
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, title, history, created_at, updated_at) VALUES (?, ?, '[]', ?, ?)`,
		id, title, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// UpdateSession replaces the history of a session.
func (s *Store) UpdateSession(ctx context.Context, id string, history []models.HistoryItem) error {
	if history == nil {
		history = []models.HistoryItem{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET history = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// FetchSession returns a session with its history, or ErrSessionNotFound.
func (s *Store) FetchSession(ctx context.Context, id string) (*models.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, history, created_at, updated_at FROM chat_sessions WHERE id = ?`,
		id,
	)

	var sess models.ChatSession
	var history string
	err := row.Scan(&sess.ID, &sess.Title, &history, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &sess.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions without their history, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]models.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chat_sessions ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ChatSession
	for rows.Next() {
		var sess models.ChatSession
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Journal ---

// WriteJournal appends a lifecycle record.
func (s *Store) WriteJournal(action, inputsHash, outcome, taskID, details string) (*models.JournalEntry, error) {
	entry := &models.JournalEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO journal (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.TaskID, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert journal: %w", err)
	}
	return entry, nil
}

// ListJournal returns journal entries, newest first. An empty taskID lists
// every task.
func (s *Store) ListJournal(taskID string, limit int) ([]models.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM journal`
	args := []interface{}{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var tid, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &tid, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.TaskID = tid.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Memory Operations ---

// AddMemory inserts a memory item.
func (s *Store) AddMemory(ctx context.Context, sessionID, speaker, content, tags string) (*models.MemoryItem, error) {
	item := &models.MemoryItem{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Speaker:   speaker,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_items (id, session_id, speaker, content, tags, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.SessionID, item.Speaker, item.Content, item.Tags, item.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return item, nil
}

// QueryMemory returns memory items whose content contains any word of
// query, newest first.
func (s *Store) QueryMemory(ctx context.Context, query string, limit int) ([]models.MemoryItem, error) {
	if limit <= 0 {
		limit = 50
	}

	where := ""
	var args []interface{}
	terms := memoryTerms(query)
	if len(terms) > 0 {
		clauses := make([]string, len(terms))
		for i, term := range terms {
			clauses[i] = "content LIKE ?"
			args = append(args, "%"+term+"%")
		}
		where = " WHERE " + strings.Join(clauses, " OR ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, speaker, content, tags, created_at FROM memory_items`+where+` ORDER BY created_at DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer rows.Close()

	var items []models.MemoryItem
	for rows.Next() {
		var item models.MemoryItem
		var sessionID, speaker, tags sql.NullString
		if err := rows.Scan(&item.ID, &sessionID, &speaker, &item.Content, &tags, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		item.SessionID = sessionID.String
		item.Speaker = speaker.String
		item.Tags = tags.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// memoryTerms splits a query into distinct search words, ignoring words of
// fewer than three characters.
func memoryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '\'' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	}) {
		if len([]rune(w)) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
		if len(terms) == 8 {
			break
		}
	}
	return terms
}
