package session

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		Path: ":memory:", PoolMinSize: 1, PoolMaxSize: 1,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	hub := notify.NewHub(CanView)
	return New(db, hub)
}

func claimsFor(agentID string, agentType identity.AgentType, perms ...identity.Permission) identity.Claims {
	return identity.Claims{AgentID: agentID, AgentType: agentType, Permissions: perms}
}

func TestCreateSession_IDMatchesWireFormat(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateSession(context.Background(), claimsFor("agent-1", identity.AgentTypeClaude), "plan the migration", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !sessionIDPattern.MatchString(sess.ID) {
		t.Fatalf("session id %q does not match ^session_[a-f0-9]{16}$", sess.ID)
	}
}

func TestCreateSession_RejectsEmptyPurpose(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateSession(context.Background(), claimsFor("agent-1", identity.AgentTypeClaude), "   ", nil, nil); err == nil {
		t.Fatalf("expected empty purpose to be rejected")
	}
}

func TestAddMessage_IDsStrictlyIncrease(t *testing.T) {
	s := newTestStore(t)
	claims := claimsFor("agent-1", identity.AgentTypeClaude)
	sess, err := s.CreateSession(context.Background(), claims, "coordination test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var lastID int64
	for i := 0; i < 5; i++ {
		msg, err := s.AddMessage(context.Background(), claims, sess.ID, "hello", VisibilityPublic, "", nil, nil)
		if err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
		if msg.ID <= lastID {
			t.Fatalf("expected strictly increasing message ids, got %d after %d", msg.ID, lastID)
		}
		lastID = msg.ID
	}
}

func TestAddMessage_RejectsUnknownSession(t *testing.T) {
	s := newTestStore(t)
	claims := claimsFor("agent-1", identity.AgentTypeClaude)
	if _, err := s.AddMessage(context.Background(), claims, "session_0000000000000000", "hello", VisibilityPublic, "", nil, nil); err == nil {
		t.Fatalf("expected add_message against an unknown session to fail")
	}
}

func TestGetMessages_PrivateVisibilityIsSenderOnly(t *testing.T) {
	s := newTestStore(t)
	owner := claimsFor("agent-owner", identity.AgentTypeClaude)
	other := claimsFor("agent-other", identity.AgentTypeClaude)

	sess, err := s.CreateSession(context.Background(), owner, "private note test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AddMessage(context.Background(), owner, sess.ID, "secret", VisibilityPrivate, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}

	ownVisible, err := s.GetMessages(context.Background(), owner, sess.ID, 50, 0, nil)
	if err != nil {
		t.Fatalf("get messages as owner: %v", err)
	}
	if len(ownVisible) != 1 {
		t.Fatalf("expected the sender to see their own private message, got %d messages", len(ownVisible))
	}

	othersVisible, err := s.GetMessages(context.Background(), other, sess.ID, 50, 0, nil)
	if err != nil {
		t.Fatalf("get messages as other agent: %v", err)
	}
	if len(othersVisible) != 0 {
		t.Fatalf("expected a private message to be invisible to a different agent, got %d messages", len(othersVisible))
	}
}

func TestGetMessages_AgentOnlyVisibilityMatchesByAgentType(t *testing.T) {
	s := newTestStore(t)
	claudeSender := claimsFor("agent-1", identity.AgentTypeClaude)
	claudeReader := claimsFor("agent-2", identity.AgentTypeClaude)
	genericReader := claimsFor("agent-3", identity.AgentTypeGeneric)

	sess, err := s.CreateSession(context.Background(), claudeSender, "agent only test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AddMessage(context.Background(), claudeSender, sess.ID, "claude-only note", VisibilityAgentOnly, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}

	visibleToSameType, err := s.GetMessages(context.Background(), claudeReader, sess.ID, 50, 0, nil)
	if err != nil {
		t.Fatalf("get messages as same-type reader: %v", err)
	}
	if len(visibleToSameType) != 1 {
		t.Fatalf("expected agent_only message visible to a same-type reader, got %d", len(visibleToSameType))
	}

	visibleToOtherType, err := s.GetMessages(context.Background(), genericReader, sess.ID, 50, 0, nil)
	if err != nil {
		t.Fatalf("get messages as other-type reader: %v", err)
	}
	if len(visibleToOtherType) != 0 {
		t.Fatalf("expected agent_only message hidden from a different agent type, got %d", len(visibleToOtherType))
	}
}

func TestGetMessages_AdminOnlyRequiresAdminPermission(t *testing.T) {
	s := newTestStore(t)
	sender := claimsFor("agent-1", identity.AgentTypeAdmin, identity.PermissionAdmin)
	reader := claimsFor("agent-2", identity.AgentTypeClaude, identity.PermissionRead)
	adminReader := claimsFor("agent-3", identity.AgentTypeClaude, identity.PermissionAdmin)

	sess, err := s.CreateSession(context.Background(), sender, "admin only test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AddMessage(context.Background(), sender, sess.ID, "admin note", VisibilityAdminOnly, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}

	if visible, err := s.GetMessages(context.Background(), reader, sess.ID, 50, 0, nil); err != nil || len(visible) != 0 {
		t.Fatalf("expected admin_only message hidden from a non-admin reader, got %d messages (err=%v)", len(visible), err)
	}
	if visible, err := s.GetMessages(context.Background(), adminReader, sess.ID, 50, 0, nil); err != nil || len(visible) != 1 {
		t.Fatalf("expected admin_only message visible to an admin reader, got %d messages (err=%v)", len(visible), err)
	}
}
