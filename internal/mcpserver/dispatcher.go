// Package mcpserver implements the MCP Surface (C7): JSON-RPC dispatch over
// the four MCP endpoint kinds (tools, resources, resource templates,
// prompts), generalizing the teacher's internal/mcpserver/server
// handleJSONRPC switch-dispatch shape from a tools-only surface to all four.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/mcpserver/rpc"
	"github.com/sharedctx/sharedctx-server/internal/mcpserver/tools"
	"github.com/sharedctx/sharedctx-server/internal/memory"
	"github.com/sharedctx/sharedctx-server/internal/metrics"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/search"
	"github.com/sharedctx/sharedctx-server/internal/session"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

const protocolVersion = "2025-03-26"

// Dispatcher is the single entry point every transport adapter (stdio, HTTP,
// WebSocket) calls to handle one MCP envelope.
type Dispatcher struct {
	registry  *tools.Registry
	vault     *identity.Vault
	sessions  *session.Store
	memory    *memory.Store
	search    *search.Engine
	notifyHub *notify.Hub
	metrics   *metrics.Collector
	logger    *zerolog.Logger

	serverName    string
	serverVersion string
}

// NewDispatcher wires the MCP surface to its components and registers the
// full tool catalog. db is used only to report pool stats through
// get_performance_metrics and /metrics; no dispatcher method issues
// queries against it directly.
func NewDispatcher(logger *zerolog.Logger, db *sqlx.DB, vault *identity.Vault, sessions *session.Store, mem *memory.Store, searchEngine *search.Engine, notifyHub *notify.Hub) *Dispatcher {
	registry := tools.NewRegistry()
	tools.RegisterAllTools(registry)

	collector := metrics.NewCollector(metrics.Sources{
		DBStats: func() (int, int, int64) {
			s := store.PoolStats(db)
			return s.OpenConnections, s.InUse, s.WaitCount
		},
		SearchCache:     searchEngine.CacheStats,
		VaultStats:      vault.Stats,
		SubscriberTotal: notifyHub.TotalSubscribers,
	})

	return &Dispatcher{
		registry:      registry,
		vault:         vault,
		sessions:      sessions,
		memory:        mem,
		search:        searchEngine,
		notifyHub:     notifyHub,
		metrics:       collector,
		logger:        logger,
		serverName:    "sharedctx-server",
		serverVersion: "0.1.0",
	}
}

// Metrics returns the performance snapshot used by get_performance_metrics
// and the HTTP transport's /metrics scrape handler.
func (d *Dispatcher) Metrics(ctx context.Context) metrics.Snapshot {
	return d.metrics.Collect(ctx)
}

// Dispatch parses and handles one MCP envelope, returning its marshaled
// response. A JSON-RPC notification (no id) yields a nil slice: there is
// nothing to write back.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) []byte {
	var req rpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshal(rpc.NewError(nil, rpc.CodeParseError, "invalid JSON", nil))
	}
	if req.JSONRPC != "2.0" {
		return marshal(rpc.NewError(req.ID, rpc.CodeInvalidRequest, "invalid jsonrpc version", nil))
	}

	logger := d.logger.With().Str("method", req.Method).Logger()
	resp := d.route(ctx, &logger, &req)
	if req.IsNotification() {
		return nil
	}
	return marshal(resp)
}

func (d *Dispatcher) route(ctx context.Context, logger *zerolog.Logger, req *rpc.Request) rpc.Response {
	switch req.Method {
	case "initialize":
		return rpc.NewResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{"subscribe": true},
				"prompts":   map[string]any{},
			},
			"serverInfo": map[string]any{"name": d.serverName, "version": d.serverVersion},
		})

	case "ping":
		return rpc.NewResult(req.ID, map[string]any{"status": "ok"})

	case "tools/list":
		return rpc.NewResult(req.ID, map[string]any{"tools": d.registry.List()})

	case "tools/call":
		return d.handleToolsCall(ctx, logger, req)

	case "resources/list":
		return rpc.NewResult(req.ID, map[string]any{"resources": discoverableResources})

	case "resources/templates/list":
		return rpc.NewResult(req.ID, map[string]any{"resourceTemplates": resourceTemplates})

	case "resources/read":
		return d.handleResourcesRead(ctx, logger, req)

	case "prompts/list":
		return rpc.NewResult(req.ID, map[string]any{"prompts": promptCatalog})

	case "prompts/get":
		return d.handlePromptsGet(ctx, logger, req)

	default:
		return rpc.NewError(req.ID, rpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

type authTokenParams struct {
	AuthToken string `json:"auth_token"`
}

// resolveClaims extracts auth_token from a method's params (tool arguments
// or resource/prompt params share the same convention) and resolves it to
// Claims. Callers that don't require auth may ignore an empty result.
func (d *Dispatcher) resolveClaims(ctx context.Context, raw json.RawMessage) (identity.Claims, error) {
	var p authTokenParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	if p.AuthToken == "" {
		return identity.Claims{}, mcperr.New(mcperr.CodeInvalidInput, "auth_token is required")
	}
	claims, err := d.vault.Validate(ctx, p.AuthToken)
	if err != nil {
		return identity.Claims{}, mapAuthErr(err)
	}
	return claims, nil
}

func mapAuthErr(err error) error {
	if env, ok := err.(*mcperr.Envelope); ok {
		return env
	}
	switch err {
	case identity.ErrTokenRevoked:
		return mcperr.New(mcperr.CodeTokenRevoked, "protected token was revoked", mcperr.WithRelatedResources("authenticate_agent"))
	case identity.ErrMalformedToken:
		return mcperr.New(mcperr.CodeInvalidInput, "malformed protected token")
	default:
		return mcperr.New(mcperr.CodeTokenExpired, "protected token is invalid or expired", mcperr.WithRelatedResources("authenticate_agent"))
	}
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, logger *zerolog.Logger, req *rpc.Request) rpc.Response {
	var callReq tools.CallRequest
	if err := json.Unmarshal(req.Params, &callReq); err != nil {
		return rpc.NewError(req.ID, rpc.CodeInvalidParams, "invalid tool call parameters", nil)
	}

	def, ok := d.registry.Get(callReq.Name)
	if !ok {
		return envelopeError(req.ID, mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("tool not found: %s", callReq.Name)))
	}

	var claims identity.Claims
	if def.RequiresAuth {
		resolved, err := d.resolveClaims(ctx, callReq.Arguments)
		if err != nil {
			return envelopeError(req.ID, err)
		}
		claims = resolved
	}

	toolLogger := logger.With().Str("agent_id", claims.AgentID).Str("tool", callReq.Name).Logger()
	toolCtx := tools.NewToolContext(&toolLogger, claims, d.vault, d.sessions, d.memory, d.search, d.notifyHub, d.metrics)

	result, err := d.registry.Call(ctx, toolCtx, callReq)
	if err != nil {
		return envelopeError(req.ID, err)
	}
	return rpc.NewResult(req.ID, result)
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, logger *zerolog.Logger, req *rpc.Request) rpc.Response {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.URI == "" {
		return rpc.NewError(req.ID, rpc.CodeInvalidParams, "uri is required", nil)
	}

	var claims identity.Claims
	if requiresClaims(p.URI) {
		resolved, err := d.resolveClaims(ctx, req.Params)
		if err != nil {
			return envelopeError(req.ID, err)
		}
		claims = resolved
	}

	content, err := d.ReadResource(ctx, claims, p.URI)
	if err != nil {
		return envelopeError(req.ID, err)
	}
	return rpc.NewResult(req.ID, map[string]any{"contents": []any{map[string]any{"uri": p.URI, "text": mustJSON(content)}}})
}

func requiresClaims(uri string) bool {
	return strings.HasPrefix(uri, "session://") || strings.HasPrefix(uri, "agent://")
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, logger *zerolog.Logger, req *rpc.Request) rpc.Response {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		return rpc.NewError(req.ID, rpc.CodeInvalidParams, "name is required", nil)
	}
	var claims identity.Claims
	if p.Arguments != nil && p.Arguments["auth_token"] != "" {
		resolved, err := d.vault.Validate(ctx, p.Arguments["auth_token"])
		if err == nil {
			claims = resolved
		}
	}
	result, err := d.GetPrompt(ctx, claims, p.Name, p.Arguments)
	if err != nil {
		return envelopeError(req.ID, err)
	}
	return rpc.NewResult(req.ID, result)
}

// ValidateToken resolves a protected token to Claims, exported so transport
// adapters (the WebSocket upgrade in particular) can authenticate a
// connection without reaching into the dispatcher's private vault field.
func (d *Dispatcher) ValidateToken(ctx context.Context, token string) (identity.Claims, error) {
	return d.vault.Validate(ctx, token)
}

// RecentSessions returns a dashboard-friendly list of recently active
// sessions, exported so the HTTP transport's dashboard feed doesn't need
// its own handle on the session store.
func (d *Dispatcher) RecentSessions(ctx context.Context, limit int) ([]session.Session, error) {
	return d.sessions.ListRecent(ctx, limit)
}

// ReplayMessages returns up to limit of a session's most recent messages
// visible to claims, used to serve a WebSocket client's since_id replay.
func (d *Dispatcher) ReplayMessages(ctx context.Context, sessionID string, claims identity.Claims, limit int) ([]session.Message, error) {
	_, summary, err := d.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	offset := summary.MessageCount - limit
	if offset < 0 {
		offset = 0
	}
	return d.sessions.GetMessages(ctx, claims, sessionID, limit, offset, nil)
}

func envelopeError(id json.RawMessage, err error) rpc.Response {
	env := tools.ToEnvelope(err)
	code, message, data := tools.ToJSONRPCError(env)
	return rpc.NewError(id, code, message, data)
}

func marshal(resp rpc.Response) []byte {
	data, _ := json.Marshal(resp)
	return data
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
