package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

// CanView implements the visibility enforcement matrix: given the reader's
// claims and a message's sender/sender_type/visibility, reports whether the
// reader may see it. This is the single predicate every read path (list,
// search, resource view, notification delivery) funnels through.
func CanView(claims identity.Claims, senderAgentID, senderType, visibility string) bool {
	switch Visibility(visibility) {
	case VisibilityPublic, "":
		return true
	case VisibilityPrivate:
		return claims.AgentID == senderAgentID
	case VisibilityAgentOnly:
		return string(claims.AgentType) == senderType
	case VisibilityAdminOnly:
		return identity.HasPermission(claims, identity.PermissionAdmin)
	default:
		return false
	}
}

// GetMessages returns messages in session_id the caller is allowed to see,
// ascending by id, honoring limit/offset and an optional visibility filter.
func (s *Store) GetMessages(ctx context.Context, claims identity.Claims, sessionID string, limit, offset int, visibilityFilter *Visibility) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, session_id, sender, sender_type, content, visibility, parent_message_id, metadata, created_at
		FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if visibilityFilter != nil {
		query += ` AND visibility = ?`
		args = append(args, string(*visibilityFilter))
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, limit*4, offset) // overfetch to survive per-row visibility filtering

	var rows []Message
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	visible := make([]Message, 0, len(rows))
	for _, m := range rows {
		if CanView(claims, m.Sender, m.SenderType, string(m.Visibility)) {
			visible = append(visible, m)
			if len(visible) >= limit {
				break
			}
		}
	}
	return visible, nil
}

// SetMessageVisibility changes a message's visibility post-hoc; requires
// admin permission regardless of the target visibility, since it overrides
// the original sender's choice. A message_visibility_changed event is
// published to the message's session; nothing is written to a log.
func (s *Store) SetMessageVisibility(ctx context.Context, claims identity.Claims, messageID int64, visibility Visibility) error {
	if !identity.HasPermission(claims, identity.PermissionAdmin) {
		return mcperr.New(mcperr.CodePermissionDenied, "admin permission required to change message visibility",
			mcperr.WithRelatedResources("authenticate_agent"))
	}

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET visibility = ? WHERE id = ?`, string(visibility), messageID)
	if err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mcperr.New(mcperr.CodeSessionNotFound, "message not found")
	}

	var audit struct {
		SessionID  string `db:"session_id"`
		Sender     string `db:"sender"`
		SenderType string `db:"sender_type"`
	}
	if err := s.db.GetContext(ctx, &audit, `SELECT session_id, sender, sender_type FROM messages WHERE id = ?`, messageID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil
		}
		return nil // audit lookup failure shouldn't fail the mutation itself
	}

	s.notifier.Publish(audit.SessionID, notify.Event{
		Type: "message_visibility_changed",
		Message: map[string]any{
			"id": messageID, "sender": audit.Sender, "sender_type": audit.SenderType,
			"visibility": string(visibility),
		},
	})
	return nil
}
