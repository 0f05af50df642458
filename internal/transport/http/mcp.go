package http

import (
	"io"
	"net/http"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB, generous for a tool-call envelope

// handleMCP accepts one JSON-RPC envelope per POST and returns the
// dispatcher's response body directly, per spec's POST /mcp/[?sessionId=…]
// contract. Notifications (no id) get an empty 202 back since there's
// nothing to return.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
