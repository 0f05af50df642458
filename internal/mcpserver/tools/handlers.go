package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/search"
	"github.com/sharedctx/sharedctx-server/internal/session"
)

func parseParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return mcperr.New(mcperr.CodeInvalidInput, "missing arguments")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return mcperr.New(mcperr.CodeInvalidInputFormat, "arguments must be a JSON object matching the tool's schema")
	}
	return nil
}

// --- identity tools ---

type authenticateAgentParams struct {
	AgentID               string   `json:"agent_id"`
	AgentType             string   `json:"agent_type"`
	APIKey                string   `json:"api_key"`
	RequestedPermissions  []string `json:"requested_permissions"`
}

func HandleAuthenticateAgent(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p authenticateAgentParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return nil, mcperr.New(mcperr.CodeInvalidInput, "agent_id is required")
	}

	perms := make([]identity.Permission, 0, len(p.RequestedPermissions))
	for _, perm := range p.RequestedPermissions {
		perms = append(perms, identity.Permission(perm))
	}

	token, expiresAt, err := tc.Vault.Authenticate(ctx, p.AgentID, identity.AgentType(p.AgentType), p.APIKey, perms)
	if err != nil {
		return nil, mapVaultErr(err)
	}

	return map[string]any{
		"protected_token": token.String(),
		"expires_at":      expiresAt.Format(time.RFC3339),
	}, nil
}

type refreshTokenParams struct {
	AuthToken string `json:"auth_token"`
}

func HandleRefreshToken(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p refreshTokenParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	token, expiresAt, err := tc.Vault.Refresh(ctx, p.AuthToken)
	if err != nil {
		return nil, mapVaultErr(err)
	}
	return map[string]any{
		"protected_token": token.String(),
		"expires_at":      expiresAt.Format(time.RFC3339),
	}, nil
}

func mapVaultErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*mcperr.Envelope); ok {
		return e
	}
	switch err {
	case identity.ErrInvalidAPIKey:
		return mcperr.New(mcperr.CodeInvalidAPIKey, "invalid api key", mcperr.WithRelatedResources("authenticate_agent"))
	case identity.ErrTokenRevoked:
		return mcperr.New(mcperr.CodeTokenRevoked, "protected token was revoked", mcperr.WithRelatedResources("authenticate_agent"))
	case identity.ErrMalformedToken:
		return mcperr.New(mcperr.CodeInvalidInput, "malformed protected token")
	}
	return mcperr.New(mcperr.CodeInternalError, "internal error")
}

// --- session tools ---

type createSessionParams struct {
	Purpose        string         `json:"purpose"`
	Metadata       map[string]any `json:"metadata"`
	InitialMessage *string        `json:"initial_message"`
}

func HandleCreateSession(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p createSessionParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	sess, err := tc.Sessions.CreateSession(ctx, tc.Claims, p.Purpose, p.Metadata, p.InitialMessage)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

type getSessionParams struct {
	SessionID string `json:"session_id"`
}

func HandleGetSession(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p getSessionParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	sess, summary, err := tc.Sessions.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess, "summary": summary}, nil
}

type addMessageParams struct {
	SessionID       string         `json:"session_id"`
	Content         string         `json:"content"`
	Visibility      string         `json:"visibility"`
	MessageType     string         `json:"message_type"`
	Metadata        map[string]any `json:"metadata"`
	ParentMessageID *int64         `json:"parent_message_id"`
}

func HandleAddMessage(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p addMessageParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	msg, err := tc.Sessions.AddMessage(ctx, tc.Claims, p.SessionID, p.Content, session.Visibility(p.Visibility), p.MessageType, p.Metadata, p.ParentMessageID)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type getMessagesParams struct {
	SessionID        string  `json:"session_id"`
	Limit            int     `json:"limit"`
	Offset           int     `json:"offset"`
	VisibilityFilter *string `json:"visibility_filter"`
}

func HandleGetMessages(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p getMessagesParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	var filter *session.Visibility
	if p.VisibilityFilter != nil {
		v := session.Visibility(*p.VisibilityFilter)
		filter = &v
	}
	msgs, err := tc.Sessions.GetMessages(ctx, tc.Claims, p.SessionID, p.Limit, p.Offset, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs, "count": len(msgs)}, nil
}

type setMessageVisibilityParams struct {
	MessageID  int64  `json:"message_id"`
	Visibility string `json:"visibility"`
}

func HandleSetMessageVisibility(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p setMessageVisibilityParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	if err := tc.Sessions.SetMessageVisibility(ctx, tc.Claims, p.MessageID, session.Visibility(p.Visibility)); err != nil {
		return nil, err
	}
	return map[string]any{"message_id": p.MessageID, "visibility": p.Visibility}, nil
}

// --- memory tools ---

type setMemoryParams struct {
	Key        string         `json:"key"`
	Value      any            `json:"value"`
	SessionID  string         `json:"session_id"`
	TTLSeconds *int           `json:"ttl_seconds"`
	Metadata   map[string]any `json:"metadata"`
}

func HandleSetMemory(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p setMemoryParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	var ttl *time.Duration
	if p.TTLSeconds != nil {
		d := time.Duration(*p.TTLSeconds) * time.Second
		ttl = &d
	}
	entry, err := tc.Memory.Set(ctx, tc.Claims.AgentID, p.SessionID, p.Key, p.Value, ttl, p.Metadata)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type getMemoryParams struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id"`
	Fallback  bool   `json:"fallback"`
}

func HandleGetMemory(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p getMemoryParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	entry, err := tc.Memory.Get(ctx, tc.Claims.AgentID, p.SessionID, p.Key, p.Fallback)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type listMemoryParams struct {
	SessionID string `json:"session_id"`
	Prefix    string `json:"prefix"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func HandleListMemory(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p listMemoryParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	entries, err := tc.Memory.List(ctx, tc.Claims.AgentID, p.SessionID, p.Prefix, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

type deleteMemoryParams struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id"`
}

func HandleDeleteMemory(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p deleteMemoryParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	if err := tc.Memory.Delete(ctx, tc.Claims.AgentID, p.SessionID, p.Key); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "key": p.Key}, nil
}

// --- search tools ---

type searchContextParams struct {
	SessionID      string   `json:"session_id"`
	Query          string   `json:"query"`
	FuzzyThreshold *float64 `json:"fuzzy_threshold"`
	Limit          int      `json:"limit"`
	SearchScope    string   `json:"search_scope"`
}

func HandleSearchContext(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p searchContextParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	threshold := 60.0
	if p.FuzzyThreshold != nil {
		threshold = *p.FuzzyThreshold
	}
	results, err := tc.Search.SearchContext(ctx, tc.Claims, p.SessionID, p.Query, threshold, p.Limit, search.Scope(p.SearchScope))
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

type searchBySenderParams struct {
	SessionID   string `json:"session_id"`
	SenderQuery string `json:"sender_query"`
	Limit       int    `json:"limit"`
}

func HandleSearchBySender(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p searchBySenderParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	msgs, err := tc.Search.SearchBySender(ctx, tc.Claims, p.SessionID, p.SenderQuery, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs, "count": len(msgs)}, nil
}

type searchByTimeRangeParams struct {
	SessionID string  `json:"session_id"`
	Start     string  `json:"start"`
	End       *string `json:"end"`
	Limit     int     `json:"limit"`
}

func HandleSearchByTimeRange(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var p searchByTimeRangeParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	start, err := time.Parse(time.RFC3339, p.Start)
	if err != nil {
		return nil, mcperr.New(mcperr.CodeInvalidInput, "start must be RFC3339")
	}
	var end *time.Time
	if p.End != nil {
		t, err := time.Parse(time.RFC3339, *p.End)
		if err != nil {
			return nil, mcperr.New(mcperr.CodeInvalidInput, "end must be RFC3339")
		}
		end = &t
	}
	msgs, err := tc.Search.SearchByTimeRange(ctx, tc.Claims, p.SessionID, start, end, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs, "count": len(msgs)}, nil
}

// --- admin / discovery tools ---

func HandleGetUsageGuidance(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	allowed := []string{"get_usage_guidance", "search_context", "search_by_sender", "search_by_timerange", "get_session", "get_messages", "get_memory", "list_memory"}
	if identity.HasPermission(tc.Claims, identity.PermissionWrite) {
		allowed = append(allowed, "create_session", "add_message", "set_memory", "delete_memory")
	}
	if identity.HasPermission(tc.Claims, identity.PermissionAdmin) {
		allowed = append(allowed, "set_message_visibility")
	}
	for _, p := range tc.Claims.Permissions {
		if p == identity.PermissionDebug {
			allowed = append(allowed, "get_performance_metrics")
			break
		}
	}
	return map[string]any{
		"agent_id":    tc.Claims.AgentID,
		"permissions": tc.Claims.Permissions,
		"allowed_operations": allowed,
		"guidance": "Call authenticate_agent first to obtain a protected token, then pass it as " +
			"auth_token on every other tool. Use create_session to start a shared context, add_message " +
			"to post to it, and search_context/search_by_sender/search_by_timerange to retrieve prior " +
			"discussion. Agent memory (set_memory/get_memory) is private per agent unless explicitly shared " +
			"via a session message.",
	}, nil
}

func HandleGetPerformanceMetrics(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	if tc.Metrics == nil {
		return map[string]any{"note": "metrics collector not wired"}, nil
	}
	return tc.Metrics.Collect(ctx), nil
}
