package transcript

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	origin_kind TEXT NOT NULL DEFAULT 'other',
	origin_raw  TEXT NOT NULL DEFAULT '',
	created     INTEGER NOT NULL,
	updated     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	v          INTEGER NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id, seq);
`

const (
	sqliteBusyMaxRetries    = 10
	sqliteBusyBackoffStepMs = 50
	sqliteBusyMaxBackoff    = time.Second
)

// Store is a SQLite-backed append-only record store. Concurrent appends to a
// single session are linearized by the caller (the session lock); the store
// itself only guarantees snapshot-consistent reads.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens a store database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}

	// SQLite pragmas for performance.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession creates the session if it does not exist yet and returns it.
func (s *Store) EnsureSession(id, title, originKind, originRaw string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if originKind == "" {
		originKind = "other"
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, origin_kind, origin_raw, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, title, originKind, originRaw, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	return s.getSessionLocked(id)
}

// GetSession returns a session by id, or nil if unknown.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(id)
}

func (s *Store) getSessionLocked(id string) (*Session, error) {
	var sess Session
	var created, updated int64
	err := s.db.QueryRow(
		"SELECT id, title, origin_kind, origin_raw, created, updated FROM sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.Title, &sess.OriginKind, &sess.OriginRaw, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(created, 0)
	sess.UpdatedAt = time.Unix(updated, 0)
	return &sess, nil
}

// SetTitle updates a session's title if it is currently empty.
func (s *Store) SetTitle(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET title = ? WHERE id = ? AND title = ''", title, id)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("failed to set session title")
	}
}

// ListSessions returns all sessions ordered by most recently updated.
func (s *Store) ListSessions() ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, title, origin_kind, origin_raw, created, updated FROM sessions ORDER BY updated DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.OriginKind, &sess.OriginRaw, &created, &updated); err != nil {
			continue
		}
		sess.CreatedAt = time.Unix(created, 0)
		sess.UpdatedAt = time.Unix(updated, 0)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Append persists a record and bumps the session's updated timestamp.
// Retries on SQLITE_BUSY with backoff.
func (s *Store) Append(sessionID string, rec Record) error {
	var err error
	for attempt := 0; attempt <= sqliteBusyMaxRetries; attempt++ {
		err = s.appendOnce(sessionID, rec)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == sqliteBusyMaxRetries {
			return err
		}
		backoff := time.Duration((attempt+1)*sqliteBusyBackoffStepMs) * time.Millisecond
		if backoff > sqliteBusyMaxBackoff {
			backoff = sqliteBusyMaxBackoff
		}
		time.Sleep(backoff)
	}
	return err
}

func (s *Store) appendOnce(sessionID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO records (id, session_id, v, type, payload, created) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, sessionID, rec.V, rec.Type, string(payload), rec.Created.Unix(),
	); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("failed to rollback record append")
		}
		return err
	}

	if _, err := tx.Exec("UPDATE sessions SET updated = ? WHERE id = ?", time.Now().Unix(), sessionID); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("failed to rollback record append")
		}
		return err
	}

	return tx.Commit()
}

// Records returns all raw records for a session in append order.
func (s *Store) Records(sessionID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT payload FROM records WHERE session_id = ? ORDER BY seq", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			// A partial write never commits, so a bad payload means the row
			// predates the current format. Skip it rather than failing reads.
			log.Warn().Err(err).Str("session", sessionID).Msg("skipping unreadable record")
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Effective returns the session's effective message sequence: the fold over
// records after the latest reset.
func (s *Store) Effective(sessionID string) ([]Message, error) {
	records, err := s.Records(sessionID)
	if err != nil {
		return nil, err
	}
	return Fold(records), nil
}

// Reset appends a reset record, clearing effective history while retaining
// raw records.
func (s *Store) Reset(sessionID string) error {
	return s.Append(sessionID, NewResetRecord())
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
