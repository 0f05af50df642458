package mcpserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
)

// ResourceDescriptor is returned by resources/list and resources/templates/list.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType,omitempty"`
}

// resourceTemplates is the fixed set of URI shapes this server exposes (spec §4.7).
// Templates (session://{session_id}, etc.) are listed with their {placeholder}
// form under resources/templates/list; resources/list additionally advertises
// the two unauthenticated, parameter-free resources.
var resourceTemplates = []ResourceDescriptor{
	{URI: "session://{session_id}", Name: "session", Description: "Live session view, subscribable for updates"},
	{URI: "session://{session_id}/messages/{limit}", Name: "session-messages", Description: "Paginated session messages"},
	{URI: "agent://{agent_id}/memory", Name: "agent-memory", Description: "Caller-scoped memory listing; only the authenticated agent may read its own"},
	{URI: "server://info/{_}", Name: "server-info", Description: "Server identity and capability counts"},
	{URI: "docs://tools/{_}", Name: "tool-docs", Description: "Tool catalog derived from tool schemas"},
}

var discoverableResources = []ResourceDescriptor{
	{URI: "server://info/_", Name: "server-info", Description: "Server identity and capability counts", MimeType: "application/json"},
	{URI: "docs://tools/_", Name: "tool-docs", Description: "Tool catalog derived from tool schemas", MimeType: "application/json"},
}

// ReadResource resolves a resource URI to its current content. session:// and
// agent:// resources require claims and run every read through the same
// visibility matrix the tools use; server:// and docs:// are unauthenticated
// discoverable per spec §4.7.
func (d *Dispatcher) ReadResource(ctx context.Context, claims identity.Claims, uri string) (any, error) {
	switch {
	case strings.HasPrefix(uri, "session://"):
		return d.readSessionResource(ctx, claims, strings.TrimPrefix(uri, "session://"))
	case strings.HasPrefix(uri, "agent://"):
		return d.readAgentMemoryResource(ctx, claims, strings.TrimPrefix(uri, "agent://"))
	case strings.HasPrefix(uri, "server://info/"):
		return d.serverInfo(), nil
	case strings.HasPrefix(uri, "docs://tools/"):
		return map[string]any{"tools": d.registry.List()}, nil
	default:
		return nil, mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("unrecognized resource uri: %s", uri))
	}
}

func (d *Dispatcher) readSessionResource(ctx context.Context, claims identity.Claims, rest string) (any, error) {
	parts := strings.SplitN(rest, "/", 3)
	sessionID := parts[0]

	if len(parts) == 1 {
		sess, summary, err := d.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": sess, "summary": summary}, nil
	}

	if len(parts) == 3 && parts[1] == "messages" {
		limit, err := strconv.Atoi(parts[2])
		if err != nil || limit <= 0 {
			return nil, mcperr.New(mcperr.CodeInvalidInput, "messages/{limit} must be a positive integer")
		}
		msgs, err := d.sessions.GetMessages(ctx, claims, sessionID, limit, 0, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs}, nil
	}

	return nil, mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("unrecognized session resource path: %s", rest))
}

func (d *Dispatcher) readAgentMemoryResource(ctx context.Context, claims identity.Claims, rest string) (any, error) {
	parts := strings.SplitN(rest, "/", 2)
	agentID := parts[0]
	if len(parts) != 2 || parts[1] != "memory" {
		return nil, mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("unrecognized agent resource path: %s", rest))
	}
	if claims.AgentID != agentID {
		return nil, mcperr.New(mcperr.CodePermissionDenied, "an agent may only read its own memory listing",
			mcperr.WithRelatedResources("authenticate_agent"))
	}
	entries, err := d.memory.List(ctx, claims.AgentID, "", "", 1000, 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func (d *Dispatcher) serverInfo() map[string]any {
	return map[string]any{
		"name":               d.serverName,
		"version":            d.serverVersion,
		"tool_count":         len(d.registry.List()),
		"resource_count":     len(resourceTemplates),
		"prompt_count":       len(promptCatalog),
		"active_subscribers": d.notifyHub.TotalSubscribers(),
	}
}
