package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
)

func echoHandler(_ context.Context, _ *ToolContext, raw json.RawMessage) (interface{}, error) {
	return map[string]any{"echo": string(raw)}, nil
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(ToolDefinition{Name: "dup_tool"}, echoHandler); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(ToolDefinition{Name: "dup_tool"}, echoHandler); err == nil {
		t.Fatalf("expected registering the same tool name twice to fail")
	}
}

func TestRegister_RejectsEmptyNameOrNilHandler(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(ToolDefinition{Name: ""}, echoHandler); err == nil {
		t.Fatalf("expected empty tool name to be rejected")
	}
	if err := r.Register(ToolDefinition{Name: "no_handler"}, nil); err == nil {
		t.Fatalf("expected a nil handler to be rejected")
	}
}

func TestList_PreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"zebra_tool", "apple_tool", "mango_tool"}
	for _, n := range names {
		r.MustRegister(ToolDefinition{Name: n, Description: n}, echoHandler)
	}

	descriptors := r.List()
	if len(descriptors) != len(names) {
		t.Fatalf("expected %d descriptors, got %d", len(names), len(descriptors))
	}
	for i, n := range names {
		if descriptors[i].Name != n {
			t.Fatalf("expected registration order to be preserved, got %q at position %d, want %q", descriptors[i].Name, i, n)
		}
	}
}

func TestCall_UnknownToolReturnsInvalidInput(t *testing.T) {
	r := NewRegistry()
	_, err := r.Call(context.Background(), &ToolContext{}, CallRequest{Name: "does_not_exist"})
	var env *mcperr.Envelope
	if !errors.As(err, &env) || env.Code != mcperr.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for an unknown tool, got %v", err)
	}
}

func TestCall_EnforcesRequiredPermission(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{
		Name:         "admin_only_tool",
		RequiresAuth: true,
		Permission:   identity.PermissionAdmin,
	}, echoHandler)

	readOnlyCtx := &ToolContext{Claims: identity.Claims{AgentID: "agent-1", Permissions: []identity.Permission{identity.PermissionRead}}}
	_, err := r.Call(context.Background(), readOnlyCtx, CallRequest{Name: "admin_only_tool"})
	var env *mcperr.Envelope
	if !errors.As(err, &env) || env.Code != mcperr.CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED for a caller lacking admin, got %v", err)
	}

	adminCtx := &ToolContext{Claims: identity.Claims{AgentID: "agent-2", Permissions: []identity.Permission{identity.PermissionAdmin}}}
	result, err := r.Call(context.Background(), adminCtx, CallRequest{Name: "admin_only_tool"})
	if err != nil {
		t.Fatalf("expected the admin caller to succeed, got %v", err)
	}
	callResult, ok := result.(CallResult)
	if !ok || len(callResult.Content) != 1 {
		t.Fatalf("expected a single text content block, got %#v", result)
	}
}

func TestCall_WrapsHandlerResultAsTextContent(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "plain_tool"}, echoHandler)

	result, err := r.Call(context.Background(), &ToolContext{}, CallRequest{Name: "plain_tool", Arguments: json.RawMessage(`{"k":"v"}`)})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	callResult, ok := result.(CallResult)
	if !ok {
		t.Fatalf("expected a CallResult, got %#v", result)
	}
	if callResult.IsError {
		t.Fatalf("expected IsError false on success")
	}
	if callResult.Content[0].Type != "text" {
		t.Fatalf("expected a text content block, got %q", callResult.Content[0].Type)
	}
}

func TestGet_ReturnsDefinitionByName(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "lookup_tool", Description: "does a thing"}, echoHandler)

	def, ok := r.Get("lookup_tool")
	if !ok {
		t.Fatalf("expected lookup_tool to be found")
	}
	if def.Description != "does a thing" {
		t.Fatalf("unexpected description %q", def.Description)
	}

	if _, ok := r.Get("missing_tool"); ok {
		t.Fatalf("expected missing_tool to not be found")
	}
}

func TestRegisterAllTools_PopulatesCompleteCatalog(t *testing.T) {
	r := NewRegistry()
	RegisterAllTools(r)

	descriptors := r.List()
	if len(descriptors) == 0 {
		t.Fatalf("expected RegisterAllTools to register at least one tool")
	}

	mustHave := []string{"authenticate_agent", "create_session", "add_message", "get_messages", "search_context"}
	found := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		found[d.Name] = true
	}
	for _, name := range mustHave {
		if !found[name] {
			t.Fatalf("expected %q to be registered by RegisterAllTools", name)
		}
	}
}
