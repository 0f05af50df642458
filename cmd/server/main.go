package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sharedctx/sharedctx-server/internal/admin"
	"github.com/sharedctx/sharedctx-server/internal/config"
	"github.com/sharedctx/sharedctx-server/internal/identity"
	"github.com/sharedctx/sharedctx-server/internal/mcpserver"
	"github.com/sharedctx/sharedctx-server/internal/memory"
	"github.com/sharedctx/sharedctx-server/internal/notify"
	"github.com/sharedctx/sharedctx-server/internal/search"
	"github.com/sharedctx/sharedctx-server/internal/session"
	"github.com/sharedctx/sharedctx-server/internal/store"
	httptransport "github.com/sharedctx/sharedctx-server/internal/transport/http"
	"github.com/sharedctx/sharedctx-server/internal/transport/stdio"
)

// Exit codes per the external interface contract: 0 normal, 2 config
// error, 3 storage init failure, 4 fatal runtime.
const (
	exitOK             = 0
	exitConfigError    = 2
	exitStorageFailure = 3
	exitFatalRuntime   = 4
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "sharedctx-server").Logger()

	cfg := config.Load()
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		log.Warn().Msg("dev mode enabled - API key and strong JWT secret requirements are relaxed")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(exitConfigError)
	}

	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, store.Options{
		Path:              cfg.DatabaseURL,
		PoolMinSize:       cfg.PoolMinSize,
		PoolMaxSize:       cfg.PoolMaxSize,
		ConnectionTimeout: cfg.ConnectionTimeout,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to open storage")
		return exitStorageFailure
	}
	defer db.Close()

	// HMACKey has no dedicated config key in the external interface
	// contract's config list, so the JWT signing secret doubles as the
	// HMAC key used to hash tokens for lookup; it's never exposed to
	// clients either way.
	vault, err := identity.NewVault(db, identity.VaultConfig{
		APIKey:           cfg.APIKey,
		AdminAPIKey:      cfg.AdminAPIKey,
		JWTSecretKey:     cfg.JWTSecretKey,
		JWTEncryptionKey: cfg.JWTEncryptionKey,
		HMACKey:          cfg.JWTSecretKey,
		DefaultTTL:       cfg.TokenDefaultTTL,
		RenewalWindow:    cfg.TokenRenewalWindow,
		RenewalExtension: cfg.TokenRenewalExtension,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize token vault")
		return exitStorageFailure
	}

	hub := notify.NewHub(session.CanView)
	sessions := session.New(db, hub)
	mem := memory.New(db, cfg.MemoryQuotaBytes)
	searchEngine, err := search.New(db, cfg.CacheL2Size)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize search engine")
		return exitStorageFailure
	}

	dispatcher := mcpserver.NewDispatcher(&log.Logger, db, vault, sessions, mem, searchEngine, hub)

	scheduler := admin.New(&log.Logger, vault, mem)
	if err := scheduler.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start maintenance scheduler")
		return exitFatalRuntime
	}
	defer scheduler.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	switch cfg.MCPTransport {
	case "stdio":
		return runStdio(ctx, dispatcher)
	case "http":
		return runHTTP(ctx, cfg, dispatcher, hub, db)
	default:
		log.Error().Str("transport", cfg.MCPTransport).Msg("unknown MCP_TRANSPORT")
		return exitConfigError
	}
}

func runStdio(ctx context.Context, dispatcher *mcpserver.Dispatcher) int {
	srv := stdio.NewServer(&log.Logger, dispatcher, os.Stdin, os.Stdout)
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("stdio transport failed")
		return exitFatalRuntime
	}
	log.Info().Msg("server stopped")
	return exitOK
}

func runHTTP(ctx context.Context, cfg *config.Config, dispatcher *mcpserver.Dispatcher, hub *notify.Hub, db *sqlx.DB) int {
	transport := httptransport.NewServer(&log.Logger, dispatcher, hub, db, httptransport.Options{
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	addr := cfg.HTTPHost + ":" + cfg.HTTPPort
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      transport.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting HTTP transport")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		log.Error().Err(err).Msg("HTTP transport failed")
		return exitFatalRuntime
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP transport shutdown error")
		return exitFatalRuntime
	}
	log.Info().Msg("server stopped")
	return exitOK
}
