// Package memory implements the Agent Memory Store (C4): a per-agent
// scoped key/value store with optional session scoping, TTL expiry, and a
// soft per-agent quota.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

const maxKeyChars = 128
const maxValueBytes = 1024 * 1024

var invalidKeyChars = regexp.MustCompile(`[\s\x00-\x1f]`)

// Entry is a single agent memory row, already scope-resolved.
type Entry struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	Metadata  string    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt string    `db:"created_at" json:"created_at"`
	UpdatedAt string    `db:"updated_at" json:"updated_at"`
	ExpiresAt *string   `db:"expires_at" json:"expires_at,omitempty"`
}

// Store is the Agent Memory Store.
type Store struct {
	db         *sqlx.DB
	quotaBytes int64
}

// New constructs a Store with the configured per-agent quota.
func New(db *sqlx.DB, quotaBytes int64) *Store {
	return &Store{db: db, quotaBytes: quotaBytes}
}

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyChars {
		return mcperr.New(mcperr.CodeInvalidKey, fmt.Sprintf("key must be 1-%d characters", maxKeyChars))
	}
	if invalidKeyChars.MatchString(key) {
		return mcperr.New(mcperr.CodeInvalidKey, "key must not contain whitespace or control characters")
	}
	return nil
}

// Set upserts a value for (agentID, sessionID, key), enforcing the
// per-agent quota before the write commits. sessionID == "" means global.
func (s *Store) Set(ctx context.Context, agentID, sessionID, key string, value any, ttl *time.Duration, metadata map[string]any) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return Entry{}, mcperr.New(mcperr.CodeInvalidInput, "value must be JSON-serializable")
	}
	if len(valueJSON) > maxValueBytes {
		return Entry{}, mcperr.New(mcperr.CodeMemoryLimitExceeded, fmt.Sprintf("value exceeds %d bytes", maxValueBytes))
	}
	metaJSON := "{}"
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return Entry{}, mcperr.New(mcperr.CodeInvalidInput, "metadata must be valid JSON")
		}
		metaJSON = string(b)
	}

	var sessionCol sql.NullString
	if sessionID != "" {
		sessionCol = sql.NullString{String: sessionID, Valid: true}
	}

	var expiresAt *string
	if ttl != nil {
		t := time.Now().UTC().Add(*ttl).Format(time.RFC3339Nano)
		expiresAt = &t
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	sizeBytes := int64(len(valueJSON) + len(metaJSON) + len(key))

	err = store.WithRetryTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var currentUsage sql.NullInt64
		if err := tx.GetContext(ctx, &currentUsage, `
			SELECT SUM(size_bytes) FROM agent_memory
			WHERE agent_id = ? AND NOT (session_id IS ? AND key = ?)`, agentID, sessionCol, key); err != nil {
			return fmt.Errorf("sum usage: %w", err)
		}
		used := int64(0)
		if currentUsage.Valid {
			used = currentUsage.Int64
		}
		if used+sizeBytes > s.quotaBytes {
			return mcperr.New(mcperr.CodeMemoryLimitExceeded, "agent memory quota exceeded",
				mcperr.WithContext(map[string]any{"used_bytes": used, "quota_bytes": s.quotaBytes}))
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE agent_memory SET value = ?, metadata = ?, size_bytes = ?, expires_at = ?, updated_at = ?
			WHERE agent_id = ? AND session_id IS ? AND key = ?`,
			string(valueJSON), metaJSON, sizeBytes, expiresAt, now, agentID, sessionCol, key)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, size_bytes, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agentID, sessionCol, key, string(valueJSON), metaJSON, sizeBytes, expiresAt, now, now)
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	return Entry{Key: key, Value: string(valueJSON), Metadata: metaJSON, CreatedAt: now, UpdatedAt: now, ExpiresAt: expiresAt}, nil
}

// Get returns the value for (agentID, sessionID, key) if present and not
// expired. When fallback is true and no session-scoped entry exists, it
// falls back to the agent's global (session_id NULL) entry.
func (s *Store) Get(ctx context.Context, agentID, sessionID, key string, fallback bool) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	entry, err := s.lookup(ctx, agentID, sessionID, key)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, store.ErrNoRows) || sessionID == "" || !fallback {
		return Entry{}, err
	}
	return s.lookup(ctx, agentID, "", key)
}

func (s *Store) lookup(ctx context.Context, agentID, sessionID, key string) (Entry, error) {
	var sessionCol sql.NullString
	if sessionID != "" {
		sessionCol = sql.NullString{String: sessionID, Valid: true}
	}
	var e Entry
	err := s.db.GetContext(ctx, &e, `
		SELECT key, value, metadata, created_at, updated_at, expires_at
		FROM agent_memory
		WHERE agent_id = ? AND session_id IS ? AND key = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		agentID, sessionCol, key, time.Now().UTC().Format(time.RFC3339Nano))
	if errors.Is(err, store.ErrNoRows) {
		return Entry{}, store.ErrNoRows
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get memory: %w", err)
	}
	return e, nil
}

// List returns a page of the caller's keys in the given scope, optionally
// filtered by key prefix.
func (s *Store) List(ctx context.Context, agentID, sessionID, prefix string, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	var sessionCol sql.NullString
	if sessionID != "" {
		sessionCol = sql.NullString{String: sessionID, Valid: true}
	}
	query := `SELECT key, value, metadata, created_at, updated_at, expires_at
		FROM agent_memory
		WHERE agent_id = ? AND session_id IS ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{agentID, sessionCol, time.Now().UTC().Format(time.RFC3339Nano)}
	if prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	query += ` ORDER BY key ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []Entry
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	return rows, nil
}

// Delete removes a single key from the caller's scope.
func (s *Store) Delete(ctx context.Context, agentID, sessionID, key string) error {
	var sessionCol sql.NullString
	if sessionID != "" {
		sessionCol = sql.NullString{String: sessionID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory WHERE agent_id = ? AND session_id IS ? AND key = ?`, agentID, sessionCol, key)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// SweepExpired physically removes rows past expires_at, the periodic job
// behind the lazy-hide-then-sweep TTL policy.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
