package tools

import "github.com/sharedctx/sharedctx-server/internal/identity"

// RegisterAllTools registers every shared-context tool with the registry,
// in the fixed order tools/list reports them.
func RegisterAllTools(r *Registry) {
	registerIdentityTools(r)
	registerSessionTools(r)
	registerMemoryTools(r)
	registerSearchTools(r)
	registerAdminTools(r)
}

func registerIdentityTools(r *Registry) {
	r.MustRegister(ToolDefinition{
		Name:        "authenticate_agent",
		Description: "Authenticate with the transport API key and obtain a protected token",
		InputSchema: BuildSchema(map[string]any{
			"agent_id":              StringSchema("Caller-chosen identifier for this agent"),
			"agent_type":            EnumSchema("Kind of agent authenticating", []string{"claude", "admin", "system", "generic"}),
			"api_key":               StringSchema("Transport-level shared secret"),
			"requested_permissions": ArraySchema("Permissions to request", EnumSchema("permission", []string{"read", "write", "admin", "debug"})),
		}, []string{"agent_id", "agent_type", "api_key"}),
		RequiresAuth: false,
	}, HandleAuthenticateAgent)

	r.MustRegister(ToolDefinition{
		Name:        "refresh_token",
		Description: "Exchange a valid protected token for a fresh one, revoking the original",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
		}, []string{"auth_token"}),
		RequiresAuth: true,
	}, HandleRefreshToken)
}

func registerSessionTools(r *Registry) {
	min0 := 0
	min1, max200 := 1, 200

	r.MustRegister(ToolDefinition{
		Name:        "create_session",
		Description: "Create a new coordination session",
		InputSchema: BuildSchema(map[string]any{
			"auth_token":      AuthTokenProperty(),
			"purpose":         StringSchema("Non-empty description of the session's purpose, max 500 characters"),
			"metadata":        ObjectSchema("Arbitrary JSON metadata, max 4KB serialized"),
			"initial_message": StringSchema("Optional first message to seed the session with"),
		}, []string{"auth_token", "purpose"}),
		RequiresAuth: true,
		Permission:   identity.PermissionWrite,
	}, HandleCreateSession)

	r.MustRegister(ToolDefinition{
		Name:        "get_session",
		Description: "Fetch a session's metadata and activity summary",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
			"session_id": StringSchema("Session id, format session_<16 hex>"),
		}, []string{"auth_token", "session_id"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleGetSession)

	r.MustRegister(ToolDefinition{
		Name:        "add_message",
		Description: "Append a message to a session",
		InputSchema: BuildSchema(map[string]any{
			"auth_token":        AuthTokenProperty(),
			"session_id":        StringSchema("Session id"),
			"content":           StringSchema("Message content, max 10000 characters after sanitization"),
			"visibility":        EnumSchema("Who may read this message", []string{"public", "private", "agent_only", "admin_only"}),
			"message_type":      StringSchema("Free-form message kind, defaults to agent_response"),
			"metadata":          ObjectSchema("Arbitrary JSON metadata, max 4KB serialized"),
			"parent_message_id": IntegerSchema("Optional id of the message being replied to, must be in the same session", &min0, nil),
		}, []string{"auth_token", "session_id", "content"}),
		RequiresAuth: true,
		Permission:   identity.PermissionWrite,
	}, HandleAddMessage)

	r.MustRegister(ToolDefinition{
		Name:        "get_messages",
		Description: "List messages in a session visible to the caller",
		InputSchema: BuildSchema(map[string]any{
			"auth_token":        AuthTokenProperty(),
			"session_id":        StringSchema("Session id"),
			"limit":             IntegerSchema("Maximum messages to return", &min1, &max200),
			"offset":            IntegerSchema("Pagination offset", &min0, nil),
			"visibility_filter": EnumSchema("Restrict to a single visibility level", []string{"public", "private", "agent_only", "admin_only"}),
		}, []string{"auth_token", "session_id"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleGetMessages)

	r.MustRegister(ToolDefinition{
		Name:        "set_message_visibility",
		Description: "Administratively change a message's visibility",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
			"message_id": IntegerSchema("Message id to update", &min0, nil),
			"visibility": EnumSchema("New visibility", []string{"public", "private", "agent_only", "admin_only"}),
		}, []string{"auth_token", "message_id", "visibility"}),
		RequiresAuth: true,
		Permission:   identity.PermissionAdmin,
	}, HandleSetMessageVisibility)
}

func registerMemoryTools(r *Registry) {
	min1, max1000 := 1, 1000

	r.MustRegister(ToolDefinition{
		Name:        "set_memory",
		Description: "Store a value in the caller's private memory, optionally session-scoped with a TTL",
		InputSchema: BuildSchema(map[string]any{
			"auth_token":  AuthTokenProperty(),
			"key":         StringSchema("Key, 1-128 chars, no whitespace or control characters"),
			"value":       ObjectSchema("JSON-serializable value, max 1MB serialized"),
			"session_id":  StringSchema("Optional session scope; omitted means global to the agent"),
			"ttl_seconds": IntegerSchema("Optional expiry in seconds from now", &min1, nil),
			"metadata":    ObjectSchema("Optional metadata"),
		}, []string{"auth_token", "key", "value"}),
		RequiresAuth: true,
		Permission:   identity.PermissionWrite,
	}, HandleSetMemory)

	r.MustRegister(ToolDefinition{
		Name:        "get_memory",
		Description: "Retrieve a value from the caller's private memory",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
			"key":        StringSchema("Key to look up"),
			"session_id": StringSchema("Optional session scope"),
			"fallback":   BooleanSchema("Fall back to the agent's global entry if no session-scoped entry exists"),
		}, []string{"auth_token", "key"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleGetMemory)

	r.MustRegister(ToolDefinition{
		Name:        "list_memory",
		Description: "List the caller's memory keys in a scope, optionally filtered by prefix",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
			"session_id": StringSchema("Optional session scope"),
			"prefix":     StringSchema("Optional key prefix filter"),
			"limit":      IntegerSchema("Maximum keys to return", &min1, &max1000),
			"offset":     IntegerSchema("Pagination offset", nil, nil),
		}, []string{"auth_token"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleListMemory)

	r.MustRegister(ToolDefinition{
		Name:        "delete_memory",
		Description: "Delete a key from the caller's private memory",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
			"key":        StringSchema("Key to delete"),
			"session_id": StringSchema("Optional session scope"),
		}, []string{"auth_token", "key"}),
		RequiresAuth: true,
		Permission:   identity.PermissionWrite,
	}, HandleDeleteMemory)
}

func registerSearchTools(r *Registry) {
	min1, max100 := 1, 100
	r.MustRegister(ToolDefinition{
		Name:        "search_context",
		Description: "Fuzzy-search visible messages in a session",
		InputSchema: BuildSchema(map[string]any{
			"auth_token":      AuthTokenProperty(),
			"session_id":      StringSchema("Session id"),
			"query":           StringSchema("Search text, at least 3 characters"),
			"fuzzy_threshold": NumberSchema("Minimum match score 0-100, defaults to 60.0"),
			"limit":           IntegerSchema("Maximum results", &min1, &max100),
			"search_scope":    EnumSchema("What to match against", []string{"all", "content", "sender_and_content"}),
		}, []string{"auth_token", "session_id", "query"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleSearchContext)

	r.MustRegister(ToolDefinition{
		Name:        "search_by_sender",
		Description: "Find visible messages from a sender, matched by canonical name",
		InputSchema: BuildSchema(map[string]any{
			"auth_token":   AuthTokenProperty(),
			"session_id":   StringSchema("Session id"),
			"sender_query": StringSchema("Sender name or fragment to match"),
			"limit":        IntegerSchema("Maximum results", nil, &max100),
		}, []string{"auth_token", "session_id", "sender_query"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleSearchBySender)

	r.MustRegister(ToolDefinition{
		Name:        "search_by_timerange",
		Description: "Find visible messages whose timestamp falls in [start, end)",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
			"session_id": StringSchema("Session id"),
			"start":      StringSchema("RFC3339 start timestamp, inclusive"),
			"end":        StringSchema("RFC3339 end timestamp, exclusive; defaults to now"),
			"limit":      IntegerSchema("Maximum results", nil, &max100),
		}, []string{"auth_token", "session_id", "start"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleSearchByTimeRange)
}

func registerAdminTools(r *Registry) {
	r.MustRegister(ToolDefinition{
		Name:        "get_usage_guidance",
		Description: "Return a short guide to this server's tools and conventions",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
		}, []string{"auth_token"}),
		RequiresAuth: true,
		Permission:   identity.PermissionRead,
	}, HandleGetUsageGuidance)

	r.MustRegister(ToolDefinition{
		Name:        "get_performance_metrics",
		Description: "Return server performance and resource-usage metrics",
		InputSchema: BuildSchema(map[string]any{
			"auth_token": AuthTokenProperty(),
		}, []string{"auth_token"}),
		RequiresAuth: true,
		Permission:   identity.PermissionDebug,
	}, HandleGetPerformanceMetrics)
}
