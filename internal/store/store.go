// Package store owns the embedded SQLite-class database: connection setup,
// schema migrations, and the transactional helpers every other component
// builds on. Mirrors the role the teacher's internal/db package played for
// its pgxpool, generalized to a pure-Go embedded driver and a bounded
// database/sql pool instead of pgxpool's own pool implementation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog/log"
)

// Options configures the connection pool and pragmas applied on Open.
type Options struct {
	// Path is the sqlite DSN, e.g. "file:sharedctx.db" or ":memory:".
	Path string

	PoolMinSize int
	PoolMaxSize int

	ConnectionTimeout time.Duration
}

// Open creates the sqlite connection pool, applies pragmas on every
// connection, and runs pending migrations before returning.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	dsn := opts.Path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)&_pragma=cache_size(-16000)&_pragma=mmap_size(268435456)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if opts.PoolMaxSize <= 0 {
		opts.PoolMaxSize = 50
	}
	if opts.PoolMinSize <= 0 {
		opts.PoolMinSize = 5
	}
	db.SetMaxOpenConns(opts.PoolMaxSize)
	db.SetMaxIdleConns(opts.PoolMinSize)
	db.SetConnMaxIdleTime(30 * time.Minute)
	db.SetConnMaxLifetime(time.Hour)

	connectCtx := ctx
	var cancel context.CancelFunc
	if opts.ConnectionTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, opts.ConnectionTimeout)
		defer cancel()
	}
	if err := db.PingContext(connectCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().
		Int("pool_min", opts.PoolMinSize).
		Int("pool_max", opts.PoolMaxSize).
		Str("path", opts.Path).
		Msg("sqlite store opened")

	return db, nil
}

// applyPragmas sets the WAL/synchronous/cache pragmas the spec requires.
// database/sql may hand out any pooled connection to exec these, so they're
// issued through the pool rather than a single *sql.Conn, which is safe
// because sqlite pragmas apply per-connection and every pooled connection
// opened hereafter inherits them via the DSN's _pragma params; these Exec
// calls cover connections already warmed into the pool at Open time.
func applyPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-16000", // 16MB, negative = KB
		"PRAGMA mmap_size=268435456", // 256MB
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// IsBusyOrLocked reports whether err is a transient sqlite write-conflict
// error worth retrying (SQLITE_BUSY / SQLITE_LOCKED), as opposed to a
// genuine constraint violation or fatal error.
func IsBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// ErrNoRows re-exports sql.ErrNoRows so callers don't need database/sql directly.
var ErrNoRows = sql.ErrNoRows

// PoolStats exposes the pool counters get_performance_metrics and /metrics report.
func PoolStats(db *sqlx.DB) sql.DBStats {
	return db.Stats()
}

// LatestMigration returns the most recently applied migration version, used
// by the /health endpoint to confirm the schema is current.
func LatestMigration(ctx context.Context, db *sqlx.DB) (string, error) {
	var version string
	err := db.GetContext(ctx, &version, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return version, nil
}

// Ping confirms the pool can still reach the database, the read-connection
// half of the /health check.
func Ping(ctx context.Context, db *sqlx.DB) error {
	return db.PingContext(ctx)
}
