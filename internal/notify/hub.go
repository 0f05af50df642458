// Package notify implements the Notification Bus (C6): a per-session,
// in-process hub that fans out message_added events to subscribers over a
// bounded channel each, dropping lagging subscribers rather than blocking
// the publisher. Architecture follows the hub-and-spoke actor pattern:
// one hub goroutine owns the subscriber registry, publishers never touch
// it directly.
package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sharedctx/sharedctx-server/internal/identity"
)

// subscriberQueueSize bounds how many undelivered events a subscriber may
// accumulate before it's considered lagging and dropped.
const subscriberQueueSize = 64

// Event is a notification published to a session's subscribers. ID gives a
// WebSocket client a stable handle to de-duplicate an event it may see
// twice: once live over the socket, once again in a since_id replay after
// a reconnect.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Message map[string]any `json:"message"`
}

// Subscription is a live handle a transport (WebSocket, MCP resource
// subscription) holds to receive a session's events. Callers range over
// Events until it's closed, then call Unsubscribe.
type Subscription struct {
	id        uint64
	sessionID string
	claims    identity.Claims
	events    chan Event
	hub       *Hub
}

// Events returns the channel events arrive on. It's closed when the
// subscription is dropped (disconnect, unsubscribe, or lag eviction).
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe removes the subscription from its session's registry.
func (s *Subscription) Unsubscribe() {
	s.hub.unregister <- s
}

type registration struct {
	sub *Subscription
}

// Hub owns all live subscriptions, keyed by session, and is safe for
// concurrent use by any number of publishers and subscribers.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]map[uint64]*Subscription

	register   chan *Subscription
	unregister chan *Subscription
	publish    chan publishedEvent

	visible func(claims identity.Claims, senderID, senderType, visibility string) bool

	nextID uint64
	idMu   sync.Mutex
}

type publishedEvent struct {
	sessionID string
	event     Event
}

// NewHub starts the hub goroutine and returns a ready-to-use Hub.
// visible is the visibility predicate (grounded in session.CanView) so the
// bus never fans a message out to a subscriber who couldn't read it via a
// direct get_messages call.
func NewHub(visible func(claims identity.Claims, senderID, senderType, visibility string) bool) *Hub {
	h := &Hub{
		subscriptions: make(map[string]map[uint64]*Subscription),
		register:      make(chan *Subscription),
		unregister:    make(chan *Subscription),
		publish:       make(chan publishedEvent, 256),
		visible:       visible,
	}
	go h.run()
	return h
}

// Subscribe registers a new subscription for a session under the given
// claims, used to filter delivered events by visibility.
func (h *Hub) Subscribe(sessionID string, claims identity.Claims) *Subscription {
	h.idMu.Lock()
	h.nextID++
	id := h.nextID
	h.idMu.Unlock()

	sub := &Subscription{
		id:        id,
		sessionID: sessionID,
		claims:    claims,
		events:    make(chan Event, subscriberQueueSize),
		hub:       h,
	}
	h.register <- sub
	return sub
}

// Publish enqueues an event for a session's subscribers. Never blocks the
// caller beyond the bounded internal publish channel. Callers never need to
// set Event.ID themselves; Publish stamps one if absent.
func (h *Hub) Publish(sessionID string, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	h.publish <- publishedEvent{sessionID: sessionID, event: event}
}

// SubscriberCount reports how many live subscriptions a session has, used
// by get_performance_metrics.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[sessionID])
}

// TotalSubscribers reports the live subscription count across every
// session, used by server://info and get_performance_metrics.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, subs := range h.subscriptions {
		total += len(subs)
	}
	return total
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if h.subscriptions[sub.sessionID] == nil {
				h.subscriptions[sub.sessionID] = make(map[uint64]*Subscription)
			}
			h.subscriptions[sub.sessionID][sub.id] = sub
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if subs, ok := h.subscriptions[sub.sessionID]; ok {
				if _, present := subs[sub.id]; present {
					delete(subs, sub.id)
					close(sub.events)
				}
				if len(subs) == 0 {
					delete(h.subscriptions, sub.sessionID)
				}
			}
			h.mu.Unlock()

		case pub := <-h.publish:
			h.mu.RLock()
			subs := h.subscriptions[pub.sessionID]
			for _, sub := range subs {
				if !h.deliverable(sub, pub.event) {
					continue
				}
				select {
				case sub.events <- pub.event:
				default:
					log.Warn().Str("session_id", pub.sessionID).Msg("dropping lagging notification subscriber")
					go sub.Unsubscribe()
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) deliverable(sub *Subscription, event Event) bool {
	if h.visible == nil {
		return true
	}
	sender, _ := event.Message["sender"].(string)
	senderType, _ := event.Message["sender_type"].(string)
	visibility, _ := event.Message["visibility"].(string)
	return h.visible(sub.claims, sender, senderType, visibility)
}
