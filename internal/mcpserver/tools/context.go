package tools

import (
	"github.com/rs/zerolog"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/memory"
	"github.com/sharedctx/sharedctx-server/internal/metrics"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/search"
	"github.com/sharedctx/sharedctx-server/internal/session"
)

// ToolContext provides shared resources for tool handlers: the resolved
// caller identity plus every component a handler might need to call into.
// One struct threaded through every call, generalizing the teacher's
// per-request REST-client bag to this server's own component set.
type ToolContext struct {
	Logger *zerolog.Logger
	Claims identity.Claims

	Vault    *identity.Vault
	Sessions *session.Store
	Memory   *memory.Store
	Search   *search.Engine
	Notify   *notify.Hub
	Metrics  *metrics.Collector
}

// NewToolContext builds a ToolContext for a single dispatched call.
func NewToolContext(logger *zerolog.Logger, claims identity.Claims, vault *identity.Vault, sessions *session.Store, mem *memory.Store, searchEngine *search.Engine, notifier *notify.Hub, collector *metrics.Collector) *ToolContext {
	return &ToolContext{
		Logger: logger, Claims: claims,
		Vault: vault, Sessions: sessions, Memory: mem, Search: searchEngine, Notify: notifier, Metrics: collector,
	}
}
