// Package metrics implements the Observability surface (C9): Prometheus
// gauges for connection-pool, cache, token-vault, and subscriber counters,
// plus a Collector that polls the owning components on demand for both the
// /metrics scrape endpoint and the get_performance_metrics tool. Gauge
// naming and promauto wiring follow the pack's own metrics package
// (sentinel_* style, one package-level var block of promauto constructors).
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dbOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_db_open_connections",
		Help: "Open connections in the storage pool.",
	})
	dbInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_db_in_use_connections",
		Help: "Connections currently in use from the storage pool.",
	})
	dbWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_db_wait_count_total",
		Help: "Total number of connections that waited for a pool slot.",
	})
	searchCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_search_cache_entries",
		Help: "Entries currently held in the search engine's visible-message cache.",
	})
	searchCacheCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_search_cache_capacity",
		Help: "Configured capacity of the search engine's visible-message cache.",
	})
	tokensActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_tokens_active",
		Help: "Protected tokens that are unrevoked and unexpired.",
	})
	tokensRevokedRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_tokens_revoked_retained",
		Help: "Revoked tokens still retained pending the next Cleanup sweep.",
	})
	subscribersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sharedctx_notification_subscribers",
		Help: "Live WebSocket/MCP subscriptions across all sessions.",
	})
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sharedctx_tool_calls_total",
		Help: "Total tool invocations by name and outcome.",
	}, []string{"tool", "outcome"})
)

// Sources bundles the components Collect polls. Each field is optional so
// a partially-wired server (e.g. under test) can still collect a partial
// snapshot.
type Sources struct {
	DBStats        func() (open, inUse int, waitCount int64)
	SearchCache    func() (entries, capacity int)
	VaultStats     func(ctx context.Context) (active, revoked int64, err error)
	SubscriberTotal func() int
}

// Snapshot is the JSON-shaped result get_performance_metrics consumes.
type Snapshot struct {
	Pool struct {
		OpenConnections int   `json:"open_connections"`
		InUse           int   `json:"in_use"`
		WaitCount       int64 `json:"wait_count"`
	} `json:"pool"`
	Cache struct {
		Entries  int `json:"entries"`
		Capacity int `json:"capacity"`
	} `json:"search_cache"`
	TokenVault struct {
		Active          int64 `json:"active"`
		RevokedRetained int64 `json:"revoked_retained"`
	} `json:"token_vault"`
	Subscribers int `json:"active_subscribers"`
}

// Collector polls Sources on demand and mirrors the result into the
// package's Prometheus gauges so a scrape always reflects the last
// collection.
type Collector struct {
	sources Sources
}

// NewCollector builds a Collector over the given component accessors.
func NewCollector(sources Sources) *Collector {
	return &Collector{sources: sources}
}

// Collect polls every wired source and returns a point-in-time snapshot,
// updating the package's exported gauges as a side effect so a concurrent
// Prometheus scrape sees the same numbers.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if c.sources.DBStats != nil {
		open, inUse, wait := c.sources.DBStats()
		snap.Pool.OpenConnections = open
		snap.Pool.InUse = inUse
		snap.Pool.WaitCount = wait
		dbOpenConnections.Set(float64(open))
		dbInUseConnections.Set(float64(inUse))
		dbWaitCount.Set(float64(wait))
	}

	if c.sources.SearchCache != nil {
		entries, capacity := c.sources.SearchCache()
		snap.Cache.Entries = entries
		snap.Cache.Capacity = capacity
		searchCacheEntries.Set(float64(entries))
		searchCacheCapacity.Set(float64(capacity))
	}

	if c.sources.VaultStats != nil {
		if active, revoked, err := c.sources.VaultStats(ctx); err == nil {
			snap.TokenVault.Active = active
			snap.TokenVault.RevokedRetained = revoked
			tokensActive.Set(float64(active))
			tokensRevokedRetained.Set(float64(revoked))
		}
	}

	if c.sources.SubscriberTotal != nil {
		total := c.sources.SubscriberTotal()
		snap.Subscribers = total
		subscribersTotal.Set(float64(total))
	}

	return snap
}
