package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates no embedded store location was configured.
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

	// ErrMissingAPIKey indicates the transport-level shared secret is unset outside dev mode.
	ErrMissingAPIKey = errors.New("API_KEY is required unless dev mode is enabled")

	// ErrWeakJWTSecret indicates JWT_SECRET_KEY is missing or shorter than 32 bytes.
	ErrWeakJWTSecret = errors.New("JWT_SECRET_KEY must be at least 32 bytes")

	// ErrInvalidEncryptionKey indicates JWT_ENCRYPTION_KEY is not exactly 32 bytes.
	ErrInvalidEncryptionKey = errors.New("JWT_ENCRYPTION_KEY must be exactly 32 bytes")

	// ErrInvalidTransport indicates MCP_TRANSPORT is neither "stdio" nor "http".
	ErrInvalidTransport = errors.New("MCP_TRANSPORT must be 'stdio' or 'http'")
)
