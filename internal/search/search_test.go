package search

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/session"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *session.Store) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		Path: ":memory:", PoolMinSize: 1, PoolMaxSize: 1,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hub := notify.NewHub(session.CanView)
	sessions := session.New(db, hub)
	engine, err := New(db, 100)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, sessions
}

func claims(agentID string) identity.Claims {
	return identity.Claims{AgentID: agentID, AgentType: identity.AgentTypeClaude}
}

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"Claude Agent #1": "claude-agent-1",
		"  leading_space": "leading-space",
		"UPPER---CASE":    "upper-case",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Fatalf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearchContext_ExcludesPrivateMessagesFromOtherAgents(t *testing.T) {
	engine, sessions := newTestEngine(t)
	owner := claims("agent-owner")
	other := claims("agent-other")

	sess, err := sessions.CreateSession(context.Background(), owner, "search test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := sessions.AddMessage(context.Background(), owner, sess.ID, "the deploy plan is ready", session.VisibilityPrivate, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}

	results, err := engine.SearchContext(context.Background(), other, sess.ID, "deploy plan", 50, 10, ScopeAll)
	if err != nil {
		t.Fatalf("search as other agent: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected private message hidden from search for a different agent, got %d results", len(results))
	}

	ownResults, err := engine.SearchContext(context.Background(), owner, sess.ID, "deploy plan", 50, 10, ScopeAll)
	if err != nil {
		t.Fatalf("search as owner: %v", err)
	}
	if len(ownResults) != 1 {
		t.Fatalf("expected the owner to find their own private message, got %d results", len(ownResults))
	}
}

func TestSearchContext_RejectsShortQuery(t *testing.T) {
	engine, sessions := newTestEngine(t)
	owner := claims("agent-1")
	sess, err := sessions.CreateSession(context.Background(), owner, "short query test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := engine.SearchContext(context.Background(), owner, sess.ID, "ab", 0, 10, ScopeAll); err == nil {
		t.Fatalf("expected a query under minQueryChars to be rejected")
	}
}

func TestSearchContext_OrdersByScoreThenMostRecentID(t *testing.T) {
	engine, sessions := newTestEngine(t)
	owner := claims("agent-1")
	sess, err := sessions.CreateSession(context.Background(), owner, "ordering test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var last session.Message
	for i := 0; i < 2; i++ {
		msg, err := sessions.AddMessage(context.Background(), owner, sess.ID, "deploy the release candidate", session.VisibilityPublic, "", nil, nil)
		if err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
		last = msg
	}

	results, err := engine.SearchContext(context.Background(), owner, sess.ID, "deploy release", 0, 10, ScopeAll)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both identical-score messages to match, got %d", len(results))
	}
	if results[0].Message.ID != last.ID {
		t.Fatalf("expected the most recent message to rank first on a score tie, got id %d want %d", results[0].Message.ID, last.ID)
	}
}

func TestSearchBySender_ExactMatchBeatsFuzzy(t *testing.T) {
	engine, sessions := newTestEngine(t)
	claudeAgent := claims("claude-agent-1")
	otherAgent := claims("claude-agent-2")
	sess, err := sessions.CreateSession(context.Background(), claudeAgent, "sender search test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := sessions.AddMessage(context.Background(), claudeAgent, sess.ID, "hi from one", session.VisibilityPublic, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := sessions.AddMessage(context.Background(), otherAgent, sess.ID, "hi from two", session.VisibilityPublic, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}

	results, err := engine.SearchBySender(context.Background(), claudeAgent, sess.ID, "claude-agent-1", 10)
	if err != nil {
		t.Fatalf("search by sender: %v", err)
	}
	if len(results) != 1 || results[0].Sender != "claude-agent-1" {
		t.Fatalf("expected exactly the exact-match sender's message, got %+v", results)
	}
}

func TestSearchByTimeRange_ReturnsNewestFirstWithinWindow(t *testing.T) {
	engine, sessions := newTestEngine(t)
	owner := claims("agent-1")
	sess, err := sessions.CreateSession(context.Background(), owner, "time range test", nil, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := sessions.AddMessage(context.Background(), owner, sess.ID, "first", session.VisibilityPublic, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := sessions.AddMessage(context.Background(), owner, sess.ID, "second", session.VisibilityPublic, "", nil, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}

	results, err := engine.SearchByTimeRange(context.Background(), owner, sess.ID, time.Now().Add(-time.Hour), nil, 10)
	if err != nil {
		t.Fatalf("search by time range: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both messages within the window, got %d", len(results))
	}
	if results[0].Content != "second" {
		t.Fatalf("expected newest-first ordering, got %q first", results[0].Content)
	}
}

func TestCacheStats_ReflectsConfiguredCapacity(t *testing.T) {
	engine, _ := newTestEngine(t)
	length, capacity := engine.CacheStats()
	if length != 0 {
		t.Fatalf("expected an empty cache on a fresh engine, got length %d", length)
	}
	if capacity != 100 {
		t.Fatalf("expected cache capacity 100, got %d", capacity)
	}
}
