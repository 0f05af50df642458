// Package session implements the Session & Message Core (C3): session and
// message CRUD, content sanitization, and the visibility enforcement matrix
// that every read path funnels through.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/microcosm-cc/bluemonday"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

// Visibility enumerates who may read a message.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityPrivate    Visibility = "private"
	VisibilityAgentOnly  Visibility = "agent_only"
	VisibilityAdminOnly  Visibility = "admin_only"
)

const maxMessageChars = 10000
const maxMetadataBytes = 4096
const maxPurposeChars = 500

var sessionIDPattern = regexp.MustCompile(`^session_[a-f0-9]{16}$`)

// Session is a coordination session row.
type Session struct {
	ID        string         `db:"id" json:"id"`
	Purpose   string         `db:"name" json:"purpose"`
	CreatedBy string         `db:"created_by" json:"created_by"`
	IsActive  bool           `db:"-" json:"is_active"`
	Status    string         `db:"status" json:"-"`
	Metadata  string         `db:"metadata" json:"metadata"`
	CreatedAt string         `db:"created_at" json:"created_at"`
	UpdatedAt string         `db:"updated_at" json:"updated_at"`
}

// Message is an append-only entry in a session's log.
type Message struct {
	ID              int64          `db:"id" json:"id"`
	SessionID       string         `db:"session_id" json:"session_id"`
	Sender          string         `db:"sender" json:"sender"`
	SenderType      string         `db:"sender_type" json:"sender_type"`
	Content         string         `db:"content" json:"content"`
	Visibility      Visibility     `db:"visibility" json:"visibility"`
	ParentMessageID sql.NullInt64  `db:"parent_message_id" json:"parent_message_id,omitempty"`
	Metadata        string         `db:"metadata" json:"metadata"`
	CreatedAt       string         `db:"created_at" json:"timestamp"`
}

// Summary is the overview get_session returns alongside the session row.
type Summary struct {
	MessageCount     int    `json:"message_count"`
	ParticipantCount int    `json:"participant_count"`
	LastActivity     string `json:"last_activity"`
}

// Store is the Session & Message Core.
type Store struct {
	db        *sqlx.DB
	notifier  *notify.Hub
	sanitizer *bluemonday.Policy
}

// New constructs a Store, wiring in the notification hub that add_message
// publishes to after each commit.
func New(db *sqlx.DB, notifier *notify.Hub) *Store {
	return &Store{db: db, notifier: notifier, sanitizer: bluemonday.StrictPolicy()}
}

func generateSessionID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "session_" + hex.EncodeToString(raw), nil
}

// CreateSession validates purpose/metadata, inserts the session (and an
// optional initial message) in one transaction, and returns the new id.
func (s *Store) CreateSession(ctx context.Context, claims identity.Claims, purpose string, metadata map[string]any, initialMessage *string) (Session, error) {
	trimmed := strings.TrimSpace(purpose)
	if trimmed == "" {
		return Session{}, mcperr.New(mcperr.CodeInvalidInput, "purpose must not be empty")
	}
	if len(trimmed) > maxPurposeChars {
		return Session{}, mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("purpose exceeds %d characters", maxPurposeChars))
	}

	metaJSON, err := validateMetadata(metadata)
	if err != nil {
		return Session{}, err
	}

	id, err := generateSessionID()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	sess := Session{
		ID: id, Purpose: trimmed, CreatedBy: claims.AgentID,
		Status: "active", IsActive: true, Metadata: metaJSON,
		CreatedAt: now, UpdatedAt: now,
	}

	err = store.WithRetryTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, name, created_by, status, metadata, created_at, updated_at)
			VALUES (?, ?, ?, 'active', ?, ?, ?)`,
			sess.ID, sess.Purpose, sess.CreatedBy, sess.Metadata, sess.CreatedAt, sess.UpdatedAt); err != nil {
			return err
		}
		if initialMessage != nil {
			return insertMessage(ctx, tx, sess.ID, claims, *initialMessage, VisibilityPublic, "agent_response", nil, nil, s.sanitizer)
		}
		return nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session row plus a read-time summary.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, Summary, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, created_by, status, metadata, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)
	if errors.Is(err, store.ErrNoRows) {
		return Session{}, Summary{}, mcperr.New(mcperr.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		return Session{}, Summary{}, fmt.Errorf("get session: %w", err)
	}

	var summary Summary
	if err := s.db.GetContext(ctx, &summary.MessageCount, `SELECT COUNT(1) FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return Session{}, Summary{}, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.GetContext(ctx, &summary.ParticipantCount, `SELECT COUNT(DISTINCT sender) FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return Session{}, Summary{}, fmt.Errorf("count participants: %w", err)
	}
	var lastActivity sql.NullString
	if err := s.db.GetContext(ctx, &lastActivity, `SELECT MAX(created_at) FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return Session{}, Summary{}, fmt.Errorf("last activity: %w", err)
	}
	if lastActivity.Valid {
		summary.LastActivity = lastActivity.String
	} else {
		summary.LastActivity = row.UpdatedAt
	}

	return row.toSession(), summary, nil
}

// ListRecent returns the most recently active sessions with their read-time
// summaries, feeding the dashboard's session list. It intentionally exposes
// only session-level metadata, never message content, so it carries no
// visibility filter of its own.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, created_by, status, metadata, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSession())
	}
	return out, nil
}

type sessionRow struct {
	ID        string `db:"id"`
	Purpose   string `db:"name"`
	CreatedBy string `db:"created_by"`
	Status    string `db:"status"`
	Metadata  string `db:"metadata"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r sessionRow) toSession() Session {
	return Session{
		ID: r.ID, Purpose: r.Purpose, CreatedBy: r.CreatedBy,
		Status: r.Status, IsActive: r.Status == "active",
		Metadata: r.Metadata, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// AddMessage sanitizes and persists a message, then publishes it to the
// notification bus once the transaction has committed.
func (s *Store) AddMessage(ctx context.Context, claims identity.Claims, sessionID, content string, visibility Visibility, messageType string, metadata map[string]any, parentMessageID *int64) (Message, error) {
	if visibility == "" {
		visibility = VisibilityPublic
	}
	if visibility == VisibilityAdminOnly && !identity.HasPermission(claims, identity.PermissionAdmin) {
		return Message{}, mcperr.New(mcperr.CodePermissionDenied, "admin permission required to set admin_only visibility",
			mcperr.WithRelatedResources("authenticate_agent"))
	}

	var active string
	if err := s.db.GetContext(ctx, &active, `SELECT status FROM sessions WHERE id = ?`, sessionID); errors.Is(err, store.ErrNoRows) {
		return Message{}, mcperr.New(mcperr.CodeSessionNotFound, "session not found")
	} else if err != nil {
		return Message{}, fmt.Errorf("check session: %w", err)
	} else if active != "active" {
		return Message{}, mcperr.New(mcperr.CodeSessionInactive, "session is not active")
	}

	if parentMessageID != nil {
		var parentSession string
		err := s.db.GetContext(ctx, &parentSession, `SELECT session_id FROM messages WHERE id = ?`, *parentMessageID)
		if errors.Is(err, store.ErrNoRows) || (err == nil && parentSession != sessionID) {
			return Message{}, mcperr.New(mcperr.CodeInvalidInput, "parent_message_id must reference a message in the same session")
		}
		if err != nil && !errors.Is(err, store.ErrNoRows) {
			return Message{}, fmt.Errorf("check parent message: %w", err)
		}
	}

	if messageType == "" {
		messageType = "agent_response"
	}
	metaJSON, err := validateMetadata(metadata)
	if err != nil {
		return Message{}, err
	}

	var msg Message
	err = store.WithRetryTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var parentSQL *int64
		if parentMessageID != nil {
			parentSQL = parentMessageID
		}
		sanitized, err := sanitizeContent(content, s.sanitizer)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, sender, sender_type, content, visibility, parent_message_id, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, claims.AgentID, string(claims.AgentType), sanitized, string(visibility), parentSQL, metaJSON, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		msg = Message{
			ID: id, SessionID: sessionID, Sender: claims.AgentID, SenderType: string(claims.AgentType),
			Content: sanitized, Visibility: visibility, Metadata: metaJSON, CreatedAt: now,
		}
		if parentMessageID != nil {
			msg.ParentMessageID = sql.NullInt64{Int64: *parentMessageID, Valid: true}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	s.notifier.Publish(sessionID, notify.Event{
		Type:    "message_added",
		Message: toNotifyMessage(msg),
	})
	return msg, nil
}

// insertMessage is the shared path used both by AddMessage and the optional
// initial message inserted inside CreateSession's transaction.
func insertMessage(ctx context.Context, tx *sqlx.Tx, sessionID string, claims identity.Claims, content string, visibility Visibility, messageType string, metadata map[string]any, parentMessageID *int64, sanitizer *bluemonday.Policy) error {
	sanitized, err := sanitizeContent(content, sanitizer)
	if err != nil {
		return err
	}
	metaJSON, err := validateMetadata(metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, sender, sender_type, content, visibility, parent_message_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, claims.AgentID, string(claims.AgentType), sanitized, string(visibility), parentMessageID, metaJSON, now)
	return err
}

func sanitizeContent(content string, sanitizer *bluemonday.Policy) (string, error) {
	stripped := strings.ReplaceAll(content, "\x00", "")
	sanitized := sanitizer.Sanitize(stripped)
	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		return "", mcperr.New(mcperr.CodeInvalidInput, "content is empty after sanitization")
	}
	if len(sanitized) > maxMessageChars {
		return "", mcperr.New(mcperr.CodeContentTooLarge, fmt.Sprintf("content exceeds %d characters", maxMessageChars))
	}
	return sanitized, nil
}

func validateMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", mcperr.New(mcperr.CodeInvalidInput, "metadata must be valid JSON")
	}
	if len(b) > maxMetadataBytes {
		return "", mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("metadata exceeds %d bytes", maxMetadataBytes))
	}
	return string(b), nil
}

func toNotifyMessage(m Message) map[string]any {
	return map[string]any{
		"id": m.ID, "session_id": m.SessionID, "sender": m.Sender, "sender_type": m.SenderType,
		"content": m.Content, "visibility": string(m.Visibility), "timestamp": m.CreatedAt,
	}
}

// ValidSessionID reports whether id matches the required session_<16 hex> shape.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
