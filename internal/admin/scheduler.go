// Package admin runs the background maintenance jobs every SPEC_FULL.md
// component needs but no MCP tool triggers directly: the token vault's
// expired/revoked row sweep (C2) and the agent memory store's TTL sweep
// (C4). Wiring follows the pack's own cron.New()+cron.AddFunc(expr, job)
// idiom rather than a hand-rolled ticker loop.
package admin

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/memory"
)

// tokenRetention is how long a revoked/expired token row is kept around
// before Cleanup deletes it, giving a brief forensic window.
const tokenRetention = 24 * time.Hour

// Scheduler owns the process-wide cron instance running the vault and
// memory sweeps.
type Scheduler struct {
	cron   *cron.Cron
	vault  *identity.Vault
	memory *memory.Store
	logger *zerolog.Logger
}

// New builds a Scheduler. Call Start to begin running jobs.
func New(logger *zerolog.Logger, vault *identity.Vault, mem *memory.Store) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		vault:  vault,
		memory: mem,
		logger: logger,
	}
}

// Start registers the maintenance jobs and begins the cron loop. Both jobs
// run every 15 minutes: neither sweep is latency-sensitive, and a shorter
// interval would just add DB load for no user-visible benefit.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 15m", s.sweepTokens); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 15m", s.sweepMemory); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop drains in-flight jobs and halts the cron loop.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweepTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.vault.Cleanup(ctx, tokenRetention)
	if err != nil {
		s.logger.Error().Err(err).Msg("token vault cleanup failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("token vault cleanup swept expired rows")
	}
}

func (s *Scheduler) sweepMemory() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.memory.SweepExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("agent memory sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("agent memory sweep removed expired entries")
	}
}
