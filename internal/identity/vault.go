package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/sharedctx/sharedctx-server/internal/mcperr"
	"github.com/sharedctx/sharedctx-server/internal/store"
)

var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrTokenRevoked  = errors.New("token revoked")
)

// VaultConfig carries the subset of server configuration the vault needs.
type VaultConfig struct {
	APIKey      string
	AdminAPIKey string

	JWTSecretKey     string
	JWTEncryptionKey string
	HMACKey          string

	DefaultTTL       time.Duration
	RenewalWindow    time.Duration
	RenewalExtension time.Duration
}

// Vault is the Identity & Token Vault (C2): it issues, validates, refreshes
// and cleans up protected tokens over the secure_tokens table.
type Vault struct {
	db     *sqlx.DB
	sealer *sealer
	cfg    VaultConfig
}

// NewVault constructs a Vault, deriving its AEAD and HMAC keys from config.
func NewVault(db *sqlx.DB, cfg VaultConfig) (*Vault, error) {
	s, err := newSealer([]byte(cfg.JWTEncryptionKey), []byte(cfg.HMACKey))
	if err != nil {
		return nil, fmt.Errorf("init sealer: %w", err)
	}
	return &Vault{db: db, sealer: s, cfg: cfg}, nil
}

type secureTokenRow struct {
	TokenHash       string         `db:"token_hash"`
	AgentID         string         `db:"agent_id"`
	AgentType       string         `db:"agent_type"`
	Permissions     string         `db:"permissions"`
	PredecessorHash sql.NullString `db:"predecessor_hash"`
	IssuedAt        string         `db:"issued_at"`
	ExpiresAt       string         `db:"expires_at"`
	RevokedAt       sql.NullString `db:"revoked_at"`
	LastUsedAt      sql.NullString `db:"last_used_at"`
}

// Authenticate validates the transport api_key, clamps the requested
// permission set, mints a fresh JWT, seals it, and persists a new active
// secure_tokens row.
func (v *Vault) Authenticate(ctx context.Context, agentID string, agentType AgentType, apiKey string, requested []Permission) (ProtectedToken, time.Time, error) {
	isAdminKey := v.cfg.AdminAPIKey != "" && apiKey == v.cfg.AdminAPIKey
	if !isAdminKey && apiKey != v.cfg.APIKey {
		return ProtectedToken{}, time.Time{}, ErrInvalidAPIKey
	}

	perms := clampPermissions(requested, isAdminKey)
	tokenID := fmt.Sprintf("%s-%d", agentID, time.Now().UnixNano())

	signed, err := issueJWT([]byte(v.cfg.JWTSecretKey), agentID, agentType, perms, tokenID, v.cfg.DefaultTTL)
	if err != nil {
		return ProtectedToken{}, time.Time{}, fmt.Errorf("issue jwt: %w", err)
	}

	body, err := newOpaqueBody()
	if err != nil {
		return ProtectedToken{}, time.Time{}, err
	}
	salt, ciphertext, err := v.sealer.seal([]byte(signed))
	if err != nil {
		return ProtectedToken{}, time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(v.cfg.DefaultTTL)
	hash := v.sealer.tokenHash(body)

	err = store.WithRetryTx(ctx, v.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO secure_tokens
				(token_hash, agent_id, agent_type, permissions, jwt_ciphertext, salt, issued_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			hash, agentID, string(agentType), permissionsJSON(perms), ciphertext, salt,
			now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return ProtectedToken{}, time.Time{}, fmt.Errorf("persist token: %w", err)
	}

	return ProtectedToken{Body: body, CreatedAt: now}, expiresAt, nil
}

// Validate resolves a protected token string to Claims, applying the
// safety-net renewal when the underlying row is close to expiry.
func (v *Vault) Validate(ctx context.Context, tokenStr string) (Claims, error) {
	pt, err := ParseProtectedToken(tokenStr)
	if err != nil {
		return Claims{}, err
	}
	hash := v.sealer.tokenHash(pt.Body)

	var row struct {
		secureTokenRow
		JWTCiphertext []byte `db:"jwt_ciphertext"`
		Salt          []byte `db:"salt"`
	}
	err = v.db.GetContext(ctx, &row, `
		SELECT token_hash, agent_id, agent_type, permissions, predecessor_hash,
		       issued_at, expires_at, revoked_at, last_used_at, jwt_ciphertext, salt
		FROM secure_tokens WHERE token_hash = ?`, hash)
	if errors.Is(err, store.ErrNoRows) {
		return Claims{}, mcperr.New(mcperr.CodeTokenExpired, "protected token not found")
	}
	if err != nil {
		return Claims{}, fmt.Errorf("lookup token: %w", err)
	}
	if row.RevokedAt.Valid {
		return Claims{}, mcperr.New(mcperr.CodeTokenRevoked, "protected token was revoked")
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, row.ExpiresAt)
	if err != nil {
		return Claims{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if time.Now().UTC().After(expiresAt) {
		return Claims{}, mcperr.New(mcperr.CodeTokenExpired, "protected token expired")
	}

	plaintext, err := v.sealer.unseal(row.Salt, row.JWTCiphertext)
	if err != nil {
		return Claims{}, fmt.Errorf("unseal jwt: %w", err)
	}
	claims, err := parseJWT([]byte(v.cfg.JWTSecretKey), string(plaintext))
	if err != nil {
		return Claims{}, fmt.Errorf("parse jwt: %w", err)
	}

	if time.Until(expiresAt) < v.cfg.RenewalWindow {
		if err := v.renew(ctx, hash, claims, expiresAt); err != nil {
			log.Warn().Err(err).Str("agent_id", claims.AgentID).Msg("safety-net token renewal failed")
		} else {
			log.Info().Str("agent_id", claims.AgentID).Msg("safety-net token renewal applied")
		}
	}

	return claims, nil
}

func (v *Vault) renew(ctx context.Context, hash string, claims Claims, expiresAt time.Time) error {
	newExpiresAt := expiresAt.Add(v.cfg.RenewalExtension)
	signed, err := issueJWT([]byte(v.cfg.JWTSecretKey), claims.AgentID, claims.AgentType, claims.Permissions, claims.TokenID, time.Until(newExpiresAt))
	if err != nil {
		return fmt.Errorf("issue jwt: %w", err)
	}
	salt, ciphertext, err := v.sealer.seal([]byte(signed))
	if err != nil {
		return err
	}
	return store.WithRetryTx(ctx, v.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE secure_tokens
			SET expires_at = ?, jwt_ciphertext = ?, salt = ?, refresh_count = COALESCE(refresh_count, 0) + 1
			WHERE token_hash = ? AND revoked_at IS NULL`,
			newExpiresAt.Format(time.RFC3339Nano), ciphertext, salt, hash)
		return err
	})
}

// Refresh atomically mints a new protected token and revokes the predecessor.
func (v *Vault) Refresh(ctx context.Context, tokenStr string) (ProtectedToken, time.Time, error) {
	pt, err := ParseProtectedToken(tokenStr)
	if err != nil {
		return ProtectedToken{}, time.Time{}, err
	}
	oldHash := v.sealer.tokenHash(pt.Body)

	var row struct {
		AgentID       string         `db:"agent_id"`
		AgentType     string         `db:"agent_type"`
		Permissions   string         `db:"permissions"`
		ExpiresAt     string         `db:"expires_at"`
		RevokedAt     sql.NullString `db:"revoked_at"`
		JWTCiphertext []byte         `db:"jwt_ciphertext"`
		Salt          []byte         `db:"salt"`
	}
	err = v.db.GetContext(ctx, &row, `
		SELECT agent_id, agent_type, permissions, expires_at, revoked_at, jwt_ciphertext, salt
		FROM secure_tokens WHERE token_hash = ?`, oldHash)
	if errors.Is(err, store.ErrNoRows) {
		return ProtectedToken{}, time.Time{}, mcperr.New(mcperr.CodeTokenExpired, "protected token not found")
	}
	if err != nil {
		return ProtectedToken{}, time.Time{}, fmt.Errorf("lookup token: %w", err)
	}
	if row.RevokedAt.Valid {
		return ProtectedToken{}, time.Time{}, mcperr.New(mcperr.CodeTokenRevoked, "protected token was revoked")
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, row.ExpiresAt)
	if err != nil {
		return ProtectedToken{}, time.Time{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if time.Now().UTC().After(expiresAt) {
		return ProtectedToken{}, time.Time{}, mcperr.New(mcperr.CodeTokenExpired, "protected token expired")
	}

	perms := unmarshalPermissions(row.Permissions)
	tokenID := fmt.Sprintf("%s-%d", row.AgentID, time.Now().UnixNano())
	signed, err := issueJWT([]byte(v.cfg.JWTSecretKey), row.AgentID, AgentType(row.AgentType), perms, tokenID, v.cfg.DefaultTTL)
	if err != nil {
		return ProtectedToken{}, time.Time{}, fmt.Errorf("issue jwt: %w", err)
	}

	newBody, err := newOpaqueBody()
	if err != nil {
		return ProtectedToken{}, time.Time{}, err
	}
	newSalt, newCiphertext, err := v.sealer.seal([]byte(signed))
	if err != nil {
		return ProtectedToken{}, time.Time{}, err
	}
	now := time.Now().UTC()
	newExpiresAt := now.Add(v.cfg.DefaultTTL)
	newHash := v.sealer.tokenHash(newBody)

	err = store.WithRetryTx(ctx, v.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE secure_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
			now.Format(time.RFC3339Nano), oldHash)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return mcperr.New(mcperr.CodeTokenRevoked, "protected token was revoked concurrently")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO secure_tokens
				(token_hash, agent_id, agent_type, permissions, predecessor_hash,
				 jwt_ciphertext, salt, issued_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newHash, row.AgentID, row.AgentType, row.Permissions, oldHash,
			newCiphertext, newSalt, now.Format(time.RFC3339Nano), newExpiresAt.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return ProtectedToken{}, time.Time{}, err
	}

	return ProtectedToken{Body: newBody, CreatedAt: now}, newExpiresAt, nil
}

// Cleanup removes revoked rows past retention and expired active rows, the
// periodic maintenance job the vault relies on cron (C9) to invoke.
func (v *Vault) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := v.db.ExecContext(ctx, `
		DELETE FROM secure_tokens
		WHERE (revoked_at IS NOT NULL AND revoked_at < ?)
		   OR (revoked_at IS NULL AND expires_at < ?)`,
		cutoff, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats reports token-vault counters for get_performance_metrics: total
// active (unrevoked, unexpired) tokens and how many revoked rows are still
// retained pending Cleanup.
func (v *Vault) Stats(ctx context.Context) (active, revoked int64, err error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err = v.db.GetContext(ctx, &active,
		`SELECT COUNT(1) FROM secure_tokens WHERE revoked_at IS NULL AND expires_at >= ?`, now); err != nil {
		return 0, 0, err
	}
	if err = v.db.GetContext(ctx, &revoked,
		`SELECT COUNT(1) FROM secure_tokens WHERE revoked_at IS NOT NULL`); err != nil {
		return 0, 0, err
	}
	return active, revoked, nil
}

func permissionsJSON(perms []Permission) string {
	b, _ := json.Marshal(perms)
	return string(b)
}

func unmarshalPermissions(raw string) []Permission {
	var perms []Permission
	_ = json.Unmarshal([]byte(raw), &perms)
	return perms
}
