package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Load builds a Config from defaults plus environment variable overrides.
// Validation is deferred so a caller can still apply CLI flag overrides
// before calling cfg.Validate().
func Load() *Config {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := envInt("DATABASE_POOL_MIN_SIZE"); v != nil {
		cfg.PoolMinSize = *v
	}
	if v := envInt("DATABASE_POOL_MAX_SIZE"); v != nil {
		cfg.PoolMaxSize = *v
	}
	if v := envSeconds("CONNECTION_TIMEOUT_SECONDS"); v != nil {
		cfg.ConnectionTimeout = *v
	}

	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		cfg.AdminAPIKey = v
	}
	if v := os.Getenv("JWT_SECRET_KEY"); v != "" {
		cfg.JWTSecretKey = v
	}
	if v := os.Getenv("JWT_ENCRYPTION_KEY"); v != "" {
		cfg.JWTEncryptionKey = v
	}

	if v := os.Getenv("HTTP_HOST"); v != "" {
		cfg.HTTPHost = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		cfg.MCPTransport = v
	}

	if v := envInt("CACHE_L1_SIZE"); v != nil {
		cfg.CacheL1Size = *v
	}
	if v := envInt("CACHE_L2_SIZE"); v != nil {
		cfg.CacheL2Size = *v
	}
	if v := envSeconds("CACHE_DEFAULT_TTL_SECONDS"); v != nil {
		cfg.CacheDefaultTTL = *v
	}

	if v := envSeconds("TOKEN_DEFAULT_TTL_SECONDS"); v != nil {
		cfg.TokenDefaultTTL = *v
	}
	if v := envSeconds("TOKEN_RENEWAL_WINDOW_SECONDS"); v != nil {
		cfg.TokenRenewalWindow = *v
	}
	if v := envSeconds("TOKEN_RENEWAL_EXTENSION_SECONDS"); v != nil {
		cfg.TokenRenewalExtension = *v
	}

	if v := envInt64("MEMORY_QUOTA_BYTES"); v != nil {
		cfg.MemoryQuotaBytes = *v
	}
	if v := envInt("MESSAGE_MAX_CHARS"); v != nil {
		cfg.MessageMaxChars = *v
	}

	if v := os.Getenv("MCP_DEV_MODE"); v == "true" || v == "1" {
		cfg.DevMode = true
	}
	if v := os.Getenv("MCP_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}
	if v := os.Getenv("MCP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("MCP_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		cfg.AllowedOrigins = make([]string, 0, len(origins))
		for _, o := range origins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envInt64(key string) *int64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func envSeconds(key string) *time.Duration {
	n := envInt(key)
	if n == nil {
		return nil
	}
	d := time.Duration(*n) * time.Second
	return &d
}
