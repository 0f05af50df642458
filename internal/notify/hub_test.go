package notify

import (
	"testing"
	"time"

	"github.com/sharedctx/sharedctx-server/internal/identity"
)

func alwaysVisible(identity.Claims, string, string, string) bool { return true }

func TestSubscribe_DeliversPublishedEvent(t *testing.T) {
	hub := NewHub(alwaysVisible)
	sub := hub.Subscribe("session_1", identity.Claims{AgentID: "agent-1"})
	defer sub.Unsubscribe()

	hub.Publish("session_1", Event{Type: "message_added", Message: map[string]any{"sender": "agent-2"}})

	select {
	case event := <-sub.Events():
		if event.Type != "message_added" {
			t.Fatalf("expected message_added event, got %q", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for published event")
	}
}

func TestPublish_DoesNotCrossSessions(t *testing.T) {
	hub := NewHub(alwaysVisible)
	sub := hub.Subscribe("session_1", identity.Claims{AgentID: "agent-1"})
	defer sub.Unsubscribe()

	hub.Publish("session_2", Event{Type: "message_added", Message: map[string]any{}})

	select {
	case event := <-sub.Events():
		t.Fatalf("expected no event delivered for an unrelated session, got %v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_FiltersByVisibility(t *testing.T) {
	visibleOnlyToOwner := func(claims identity.Claims, senderID, senderType, visibility string) bool {
		if visibility == "private" {
			return claims.AgentID == senderID
		}
		return true
	}
	hub := NewHub(visibleOnlyToOwner)
	owner := hub.Subscribe("session_1", identity.Claims{AgentID: "agent-owner"})
	other := hub.Subscribe("session_1", identity.Claims{AgentID: "agent-other"})
	defer owner.Unsubscribe()
	defer other.Unsubscribe()

	hub.Publish("session_1", Event{Type: "message_added", Message: map[string]any{
		"sender": "agent-owner", "sender_type": "claude", "visibility": "private",
	}})

	select {
	case <-owner.Events():
	case <-time.After(time.Second):
		t.Fatalf("expected the owner to receive their own private message event")
	}

	select {
	case event := <-other.Events():
		t.Fatalf("expected the other subscriber to be filtered out, got %v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribe_ClosesEventsChannel(t *testing.T) {
	hub := NewHub(alwaysVisible)
	sub := hub.Subscribe("session_1", identity.Claims{AgentID: "agent-1"})
	sub.Unsubscribe()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("expected the events channel to close after Unsubscribe")
		}
	}
}

func TestSubscriberCount_TracksRegistrationAndRemoval(t *testing.T) {
	hub := NewHub(alwaysVisible)
	if n := hub.SubscriberCount("session_1"); n != 0 {
		t.Fatalf("expected 0 subscribers before any Subscribe, got %d", n)
	}

	sub1 := hub.Subscribe("session_1", identity.Claims{AgentID: "agent-1"})
	sub2 := hub.Subscribe("session_1", identity.Claims{AgentID: "agent-2"})

	waitForCount(t, hub, "session_1", 2)
	if total := hub.TotalSubscribers(); total != 2 {
		t.Fatalf("expected 2 total subscribers, got %d", total)
	}

	sub1.Unsubscribe()
	waitForCount(t, hub, "session_1", 1)

	sub2.Unsubscribe()
	waitForCount(t, hub, "session_1", 0)
}

func waitForCount(t *testing.T, hub *Hub, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(sessionID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %s never reached %d", sessionID, want)
}
