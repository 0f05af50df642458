package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/metrics"
)

// Registry manages tool definitions and dispatches tool calls
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*toolEntry
	ordering []string // Preserve registration order for consistent tools/list
}

type toolEntry struct {
	def     ToolDefinition
	handler Handler
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*toolEntry),
	}
}

// Register adds a tool definition and handler to the registry
func (r *Registry) Register(def ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	r.tools[def.Name] = &toolEntry{
		def:     def,
		handler: handler,
	}
	r.ordering = append(r.ordering, def.Name)

	return nil
}

// MustRegister registers a tool or panics on error (for init-time registration)
func (r *Registry) MustRegister(def ToolDefinition, handler Handler) {
	if err := r.Register(def, handler); err != nil {
		panic(err)
	}
}

// List returns all registered tool descriptors (for tools/list response)
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ToolDescriptor, 0, len(r.ordering))
	for _, name := range r.ordering {
		entry := r.tools[name]
		descriptors = append(descriptors, ToolDescriptor{
			Name:        entry.def.Name,
			Description: entry.def.Description,
			InputSchema: entry.def.InputSchema,
		})
	}

	return descriptors
}

// Call executes a tool by name, enforcing the per-tool permission
// requirement against toolCtx.Claims before the handler ever runs, and
// wraps the handler's result in MCP content format per the MCP
// specification ({"content": [{"type": "text", "text": "..."}]}).
func (r *Registry) Call(ctx context.Context, toolCtx *ToolContext, req CallRequest) (interface{}, error) {
	r.mu.RLock()
	entry, exists := r.tools[req.Name]
	r.mu.RUnlock()

	if !exists {
		metrics.ToolCallsTotal.WithLabelValues(req.Name, "not_found").Inc()
		return nil, mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("tool not found: %s", req.Name))
	}

	if entry.def.RequiresAuth && entry.def.Permission != "" && !identity.HasPermission(toolCtx.Claims, entry.def.Permission) {
		metrics.ToolCallsTotal.WithLabelValues(req.Name, "permission_denied").Inc()
		return nil, mcperr.New(mcperr.CodePermissionDenied,
			fmt.Sprintf("missing required permission: %s", entry.def.Permission),
			mcperr.WithContext(map[string]any{"missing_permission": string(entry.def.Permission)}),
			mcperr.WithRelatedResources("authenticate_agent"))
	}

	result, err := entry.handler(ctx, toolCtx, req.Arguments)
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(req.Name, "error").Inc()
		return nil, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(req.Name, "error").Inc()
		return nil, mcperr.New(mcperr.CodeInternalError, "failed to serialize tool result")
	}

	metrics.ToolCallsTotal.WithLabelValues(req.Name, "success").Inc()
	return CallResult{
		Content: []ContentBlock{
			{Type: "text", Text: string(resultJSON)},
		},
		IsError: false,
	}, nil
}

// Get retrieves a tool definition by name; the dispatcher uses it to resolve tools/call
func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.tools[name]
	if !exists {
		return nil, false
	}

	return &entry.def, true
}
