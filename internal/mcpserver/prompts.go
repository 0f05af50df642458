package mcpserver

import (
	"context"
	"fmt"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcperr"
)

// PromptArgument describes one named argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// PromptDescriptor is returned by prompts/list.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one turn of a rendered prompt, per prompts/get's MCP shape.
type PromptMessage struct {
	Role    string `json:"role"`
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// PromptResult is the prompts/get response body.
type PromptResult struct {
	Description string          `json:"description"`
	Messages    []PromptMessage `json:"messages"`
}

var promptCatalog = []PromptDescriptor{
	{
		Name:        "setup-collaboration",
		Description: "Draft the opening message for a new multi-agent coordination session",
		Arguments: []PromptArgument{
			{Name: "purpose", Description: "What the collaborating agents are working toward", Required: true},
			{Name: "agent_types", Description: "Comma-separated list of agent types expected to join", Required: false},
			{Name: "project_name", Description: "Name of the project this session belongs to", Required: false},
		},
	},
	{
		Name:        "debug-session",
		Description: "Summarize a session's activity for troubleshooting",
		Arguments: []PromptArgument{
			{Name: "session_id", Description: "Session id to summarize", Required: true},
		},
	},
}

func textMessage(role, text string) PromptMessage {
	m := PromptMessage{Role: role}
	m.Content.Type = "text"
	m.Content.Text = text
	return m
}

// GetPrompt renders a named prompt template with the given arguments.
func (d *Dispatcher) GetPrompt(ctx context.Context, claims identity.Claims, name string, args map[string]string) (PromptResult, error) {
	switch name {
	case "setup-collaboration":
		purpose := args["purpose"]
		if purpose == "" {
			return PromptResult{}, mcperr.New(mcperr.CodeInvalidInput, "purpose is required")
		}
		text := fmt.Sprintf("Start a shared-context session for: %s.", purpose)
		if v := args["project_name"]; v != "" {
			text += fmt.Sprintf(" Project: %s.", v)
		}
		if v := args["agent_types"]; v != "" {
			text += fmt.Sprintf(" Expected participants: %s.", v)
		}
		text += " Call create_session with this purpose, then share the returned session_id with the other agents."
		return PromptResult{
			Description: "Guidance for starting a new collaboration session",
			Messages:    []PromptMessage{textMessage("user", text)},
		}, nil

	case "debug-session":
		sessionID := args["session_id"]
		if sessionID == "" {
			return PromptResult{}, mcperr.New(mcperr.CodeInvalidInput, "session_id is required")
		}
		sess, summary, err := d.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return PromptResult{}, err
		}
		text := fmt.Sprintf(
			"Session %s (%s) has %d messages from %d participants, last activity %s. Purpose: %s. Use get_messages and search_context to inspect recent activity before diagnosing.",
			sess.ID, sess.Status, summary.MessageCount, summary.ParticipantCount, summary.LastActivity, sess.Purpose)
		return PromptResult{
			Description: "Session activity summary for troubleshooting",
			Messages:    []PromptMessage{textMessage("user", text)},
		}, nil

	default:
		return PromptResult{}, mcperr.New(mcperr.CodeInvalidInput, fmt.Sprintf("unknown prompt: %s", name))
	}
}
