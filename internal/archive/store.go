// Package archive provides SQLite-backed cold storage for agent
// conversations: an append-only, offset-addressable message archive per
// session, a persisted session index used by listSessions and resumeSession
// across daemon restarts, and opaque workspace profile blobs.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one archived (or in-window) conversation message. Content is an
// opaque event payload; the archive never interprets it.
type Message struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"createdAt"`
}

// Page is one slice of a session's archive.
type Page struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// SessionRecord is the persisted index entry for an agent session. It holds
// everything needed to list sessions by working directory and to resume a
// conversation after the daemon restarts.
type SessionRecord struct {
	ID              string `json:"id"`
	SDKSessionID    string `json:"sdkSessionId"`
	Cwd             string `json:"cwd"`
	Model           string `json:"model,omitempty"`
	Effort          string `json:"effort,omitempty"`
	PermissionMode  string `json:"permissionMode,omitempty"`
	ExtendedContext bool   `json:"extendedContext,omitempty"`
	State           string `json:"state"`
	LastPrompt      string `json:"lastPrompt,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

// Store provides persistent archive state backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying archive migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the archived messages table. idx is the message's
// absolute position within the session's archive, dense from 0.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, idx)
		)
	`)
	return err
}

// migrateV2 creates the session index for listSessions and resume.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			sdk_session_id TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			effort TEXT NOT NULL DEFAULT '',
			permission_mode TEXT NOT NULL DEFAULT '',
			extended_context INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT '',
			last_prompt TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_cwd ON sessions(cwd);
	`)
	return err
}

// migrateV3 creates the workspace profile blob table.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// AppendMessages moves a batch of messages into a session's archive. The
// whole batch is written in one transaction: either every message lands in
// the archive or none does.
func (s *Store) AppendMessages(sessionID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(idx)+1, 0) FROM messages WHERE session_id = ?", sessionID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next archive index: %w", err)
	}

	stmt, err := tx.Prepare(
		"INSERT INTO messages (session_id, idx, role, content, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		createdAt := m.CreatedAt
		if createdAt == "" {
			createdAt = time.Now().UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.Exec(sessionID, next+i, m.Role, string(m.Content), createdAt); err != nil {
			return fmt.Errorf("insert archived message %d: %w", next+i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// LoadPage returns a page of archived messages in original order.
func (s *Store) LoadPage(sessionID string, offset, limit int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	var total int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID,
	).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count archived messages: %w", err)
	}

	rows, err := s.db.Query(
		"SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY idx ASC LIMIT ? OFFSET ?",
		sessionID, limit, offset,
	)
	if err != nil {
		return Page{}, fmt.Errorf("load archived messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var content string
		if err := rows.Scan(&m.Role, &content, &m.CreatedAt); err != nil {
			return Page{}, fmt.Errorf("scan archived message: %w", err)
		}
		m.Content = json.RawMessage(content)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate archived messages: %w", err)
	}

	return Page{
		Messages: msgs,
		Total:    total,
		HasMore:  offset+len(msgs) < total,
	}, nil
}

// MessageCount returns the number of archived messages for a session.
func (s *Store) MessageCount(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count archived messages: %w", err)
	}
	return count, nil
}

// ClearArchive irreversibly discards all archived messages for a session.
func (s *Store) ClearArchive(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear archive: %w", err)
	}
	return nil
}

// UpsertSession inserts or replaces a session index record.
func (s *Store) UpsertSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions
			(id, sdk_session_id, cwd, model, effort, permission_mode, extended_context, state, last_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SDKSessionID, rec.Cwd, rec.Model, rec.Effort, rec.PermissionMode,
		boolToInt(rec.ExtendedContext), rec.State, rec.LastPrompt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a persisted session record. Returns nil, nil if no
// record exists.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec SessionRecord
	var ext int
	err := s.db.QueryRow(
		`SELECT id, sdk_session_id, cwd, model, effort, permission_mode, extended_context, state, last_prompt, created_at, updated_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.SDKSessionID, &rec.Cwd, &rec.Model, &rec.Effort, &rec.PermissionMode,
		&ext, &rec.State, &rec.LastPrompt, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec.ExtendedContext = ext != 0
	return &rec, nil
}

// ListSessions returns persisted session records scoped to a working
// directory, oldest first. An empty cwd matches everything.
func (s *Store) ListSessions(cwd string) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, sdk_session_id, cwd, model, effort, permission_mode, extended_context, state, last_prompt, created_at, updated_at
		FROM sessions`
	args := []any{}
	if cwd != "" {
		query += " WHERE cwd = ?"
		args = append(args, cwd)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	recs := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		var ext int
		if err := rows.Scan(&rec.ID, &rec.SDKSessionID, &rec.Cwd, &rec.Model, &rec.Effort,
			&rec.PermissionMode, &ext, &rec.State, &rec.LastPrompt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.ExtendedContext = ext != 0
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return recs, nil
}

// DeleteSession removes a session's index record and archived messages.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	return tx.Commit()
}

// SaveProfile stores an opaque workspace profile blob under name.
func (s *Store) SaveProfile(name, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO profiles (name, data, updated_at) VALUES (?, ?, ?)",
		name, data, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// LoadProfile returns the stored blob, or "" if the profile does not exist.
func (s *Store) LoadProfile(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow("SELECT data FROM profiles WHERE name = ?", name).Scan(&data)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	return data, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
