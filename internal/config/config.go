// Package config holds server configuration, loaded from environment
// variables with sensible defaults, mirroring the way the original
// bridge server layered env overrides on top of a DefaultConfig().
package config

import "time"

// Config holds all configuration for the shared-context server.
type Config struct {
	DatabaseURL string

	PoolMinSize        int
	PoolMaxSize        int
	ConnectionTimeout  time.Duration

	APIKey      string // transport-level shared secret
	AdminAPIKey string // required to elevate to admin/debug permissions

	JWTSecretKey     string // signs issued JWTs (>=32 bytes)
	JWTEncryptionKey string // AEAD key wrapping JWTs at rest (32 bytes)

	HTTPHost      string
	HTTPPort      string
	MCPTransport  string // "stdio" | "http"

	CacheL1Size           int
	CacheL2Size           int
	CacheDefaultTTL       time.Duration

	TokenDefaultTTL       time.Duration
	TokenRenewalWindow    time.Duration
	TokenRenewalExtension time.Duration

	MemoryQuotaBytes int64
	MessageMaxChars  int

	DevMode  bool
	Debug    bool
	LogLevel string

	AllowedOrigins []string
}

// DefaultConfig returns a configuration with sensible defaults, the same
// role the teacher's DefaultConfig() plays before env overrides apply.
func DefaultConfig() *Config {
	return &Config{
		DatabaseURL: "file:sharedctx.db",

		PoolMinSize:       5,
		PoolMaxSize:       50,
		ConnectionTimeout: 30 * time.Second,

		HTTPHost:     "0.0.0.0",
		HTTPPort:     "8080",
		MCPTransport: "stdio",

		CacheL1Size:     1000,
		CacheL2Size:     5000,
		CacheDefaultTTL: 5 * time.Minute,

		TokenDefaultTTL:       30 * time.Minute,
		TokenRenewalWindow:    5 * time.Minute,
		TokenRenewalExtension: 10 * time.Minute,

		MemoryQuotaBytes: 100 * 1024 * 1024,
		MessageMaxChars:  10000,

		LogLevel: "info",
	}
}

// Validate checks whether the configuration is usable to start the server.
// Call after CLI/env overrides so flags have had a chance to fill in gaps.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if !c.DevMode && c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if len(c.JWTSecretKey) < 32 && !c.DevMode {
		return ErrWeakJWTSecret
	}
	if len(c.JWTEncryptionKey) != 32 && !c.DevMode {
		return ErrInvalidEncryptionKey
	}
	if c.MCPTransport != "stdio" && c.MCPTransport != "http" {
		return ErrInvalidTransport
	}
	return nil
}
