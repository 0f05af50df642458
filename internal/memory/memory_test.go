package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

func newTestStore(t *testing.T, quotaBytes int64) *Store {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		Path: ":memory:", PoolMinSize: 1, PoolMaxSize: 1,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, quotaBytes)
}

func TestSetGet_RoundTripsValue(t *testing.T) {
	s := newTestStore(t, 1<<20)
	if _, err := s.Set(context.Background(), "agent-1", "", "greeting", "hello world", nil, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, err := s.Get(context.Background(), "agent-1", "", "greeting", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Value != `"hello world"` {
		t.Fatalf("expected json-encoded string value, got %q", entry.Value)
	}
}

func TestMemory_IsIsolatedAcrossAgents(t *testing.T) {
	s := newTestStore(t, 1<<20)
	if _, err := s.Set(context.Background(), "agent-1", "", "shared-key", "agent one's value", nil, nil); err != nil {
		t.Fatalf("set agent-1: %v", err)
	}
	if _, err := s.Get(context.Background(), "agent-2", "", "shared-key", false); !errors.Is(err, store.ErrNoRows) {
		t.Fatalf("expected agent-2 to see no entry under agent-1's key, got %v", err)
	}
}

func TestGet_SessionScopedFallsBackToGlobal(t *testing.T) {
	s := newTestStore(t, 1<<20)
	if _, err := s.Set(context.Background(), "agent-1", "", "pref", "global value", nil, nil); err != nil {
		t.Fatalf("set global: %v", err)
	}
	entry, err := s.Get(context.Background(), "agent-1", "session_aaaaaaaaaaaaaaaa", "pref", true)
	if err != nil {
		t.Fatalf("get with fallback: %v", err)
	}
	if entry.Value != `"global value"` {
		t.Fatalf("expected fallback to the global entry, got %q", entry.Value)
	}

	if _, err := s.Get(context.Background(), "agent-1", "session_aaaaaaaaaaaaaaaa", "pref", false); !errors.Is(err, store.ErrNoRows) {
		t.Fatalf("expected no fallback without the fallback flag, got %v", err)
	}
}

func TestSet_EnforcesPerAgentQuota(t *testing.T) {
	s := newTestStore(t, 32)
	if _, err := s.Set(context.Background(), "agent-1", "", "k", "a reasonably long value to exceed the tiny quota", nil, nil); err == nil {
		t.Fatalf("expected quota to be exceeded")
	} else {
		var env *mcperr.Envelope
		if !errors.As(err, &env) || env.Code != mcperr.CodeMemoryLimitExceeded {
			t.Fatalf("expected MEMORY_LIMIT_EXCEEDED, got %v", err)
		}
	}
}

func TestSweepExpired_RemovesOnlyExpiredEntries(t *testing.T) {
	s := newTestStore(t, 1<<20)
	past := -time.Minute
	future := time.Hour
	if _, err := s.Set(context.Background(), "agent-1", "", "expired", "gone soon", &past, nil); err != nil {
		t.Fatalf("set expired: %v", err)
	}
	if _, err := s.Set(context.Background(), "agent-1", "", "alive", "still here", &future, nil); err != nil {
		t.Fatalf("set alive: %v", err)
	}

	removed, err := s.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 row swept, got %d", removed)
	}

	if _, err := s.Get(context.Background(), "agent-1", "", "alive", false); err != nil {
		t.Fatalf("expected the non-expired entry to survive the sweep, got %v", err)
	}
	if _, err := s.Get(context.Background(), "agent-1", "", "expired", false); !errors.Is(err, store.ErrNoRows) {
		t.Fatalf("expected the expired entry to be gone, got %v", err)
	}
}

func TestList_FiltersByPrefixAndOrdersByKey(t *testing.T) {
	s := newTestStore(t, 1<<20)
	keys := []string{"zebra", "apple", "app-config"}
	for _, k := range keys {
		if _, err := s.Set(context.Background(), "agent-1", "", k, "v", nil, nil); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	entries, err := s.List(context.Background(), "agent-1", "", "app", 50, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 keys with the app prefix, got %d", len(entries))
	}
	if entries[0].Key != "app-config" || entries[1].Key != "apple" {
		t.Fatalf("expected keys in ascending order, got %v / %v", entries[0].Key, entries[1].Key)
	}
}
