// Package session persists voice session identity (conversation/lead
// correlation) durably with expiry, surviving process restarts.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DefaultStorageKey = "voice_session"
	DefaultTimeout    = 30 * time.Minute
)

// Record is the persisted session identity. The store is its sole writer.
type Record struct {
	ConversationID string
	LeadID         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type Store struct {
	db      *sql.DB
	key     string
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	current *Record
}

const schema = `
CREATE TABLE IF NOT EXISTS voice_sessions (
	storage_key     TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	lead_id         TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL
);`

// Open creates or opens the session database at path and loads any
// unexpired record under the default storage key. Expired records are
// discarded, and a sweep evicts every expired record opportunistically.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	store, err := NewStore(db, DefaultStorageKey, timeout)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStore(db *sql.DB, key string, timeout time.Duration) (*Store, error) {
	if key == "" {
		key = DefaultStorageKey
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create session schema: %w", err)
	}

	s := &Store{
		db:      db,
		key:     key,
		timeout: timeout,
		now:     time.Now,
	}

	if n, err := s.Sweep(); err != nil {
		slog.Warn("session: sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("session: swept expired records", "evicted", n)
	}

	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the record under the storage key. An expired record is
// removed and treated as absent.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT conversation_id, lead_id, created_at, expires_at FROM voice_sessions WHERE storage_key = ?`, s.key)

	var rec Record
	var createdAt, expiresAt int64
	err := row.Scan(&rec.ConversationID, &rec.LeadID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.current = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session record: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)

	if !s.now().Before(rec.ExpiresAt) {
		slog.Info("session: discarding expired record", "conversation_id", rec.ConversationID)
		if _, err := s.db.Exec(`DELETE FROM voice_sessions WHERE storage_key = ?`, s.key); err != nil {
			return fmt.Errorf("remove expired record: %w", err)
		}
		s.current = nil
		return nil
	}

	s.current = &rec
	slog.Info("session: recovered", "conversation_id", rec.ConversationID, "lead_id", rec.LeadID, "expires_at", rec.ExpiresAt)
	return nil
}

// Save persists a record with a fresh expiry, overwriting any prior record
// under the same storage key.
func (s *Store) Save(conversationID, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := Record{
		ConversationID: conversationID,
		LeadID:         leadID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.timeout),
	}
	if s.current != nil {
		rec.CreatedAt = s.current.CreatedAt
	}

	_, err := s.db.Exec(`
		INSERT INTO voice_sessions (storage_key, conversation_id, lead_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(storage_key) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			lead_id         = excluded.lead_id,
			created_at      = excluded.created_at,
			expires_at      = excluded.expires_at`,
		s.key, rec.ConversationID, rec.LeadID, rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session record: %w", err)
	}

	s.current = &rec
	return nil
}

// Refresh extends the expiry of the current record without changing its
// identifiers. No-op when nothing is loaded.
func (s *Store) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}

	expiresAt := s.now().Add(s.timeout)
	_, err := s.db.Exec(`UPDATE voice_sessions SET expires_at = ? WHERE storage_key = ?`,
		expiresAt.UnixMilli(), s.key)
	if err != nil {
		return fmt.Errorf("refresh session record: %w", err)
	}

	rec := *s.current
	rec.ExpiresAt = expiresAt
	s.current = &rec
	return nil
}

// Clear removes the record and resets in-memory state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM voice_sessions WHERE storage_key = ?`, s.key); err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}
	s.current = nil
	return nil
}

// IsValid reports whether a record is loaded and unexpired.
func (s *Store) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.now().Before(s.current.ExpiresAt)
}

// Current returns a snapshot of the loaded record, or nil.
func (s *Store) Current() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	rec := *s.current
	return &rec
}

// Sweep evicts every expired record, across all storage keys. Called
// opportunistically at startup, not on a timer.
func (s *Store) Sweep() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM voice_sessions WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
