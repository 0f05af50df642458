package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/notify"
)

// replayWindow bounds how many recent messages a since_id replay can ask
// for, per spec's "bounded to the most recent N messages".
const replayWindow = 200

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // spec's 30s heartbeat
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // gated by API key, not Origin
}

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type helloFrame struct {
	Op      string `json:"op"`
	SinceID int64  `json:"since_id"`
}

// handleWebSocket upgrades the connection and registers a C6 subscriber for
// session_id, relaying events as {type,data} envelopes with a 30s heartbeat
// and idle/unresponsive close, grounded on the teacher pack's hub-and-spoke
// WebSocket handler (read pump sets a pong-extended deadline, write pump
// pings on a ticker and closes on write failure).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var claims identity.Claims
	if token := r.URL.Query().Get("auth_token"); token != "" {
		if c, err := s.dispatcher.ValidateToken(r.Context(), token); err == nil {
			claims = c
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.hub.Subscribe(sessionID, claims)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go s.wsReadPump(r.Context(), conn, sessionID, claims, done)
	s.wsWritePump(conn, sub, done)
}

// wsReadPump only looks for the optional hello/since_id replay frame and
// otherwise exists to detect disconnects and keep the read deadline fresh
// via pong frames; clients don't otherwise send this server anything.
func (s *Server) wsReadPump(ctx context.Context, conn *websocket.Conn, sessionID string, claims identity.Claims, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !first {
			continue
		}
		first = false

		var hello helloFrame
		if json.Unmarshal(data, &hello) != nil || hello.Op != "hello" {
			continue
		}
		s.replaySince(ctx, conn, sessionID, claims, hello.SinceID)
	}
}

func (s *Server) replaySince(ctx context.Context, conn *websocket.Conn, sessionID string, claims identity.Claims, sinceID int64) {
	msgs, err := s.dispatcher.ReplayMessages(ctx, sessionID, claims, replayWindow)
	if err != nil {
		return
	}
	for _, m := range msgs {
		if m.ID <= sinceID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(wsEnvelope{Type: "replay", Data: m})
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, sub *notify.Subscription, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(wsEnvelope{Type: event.Type, Data: event.Message}); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
