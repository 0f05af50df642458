package identity

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sharedctx/sharedctx-server/internal/store"
)

func newTestVault(t *testing.T) (*Vault, *sqlx.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		Path: ":memory:", PoolMinSize: 1, PoolMaxSize: 1,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v, err := NewVault(db, VaultConfig{
		APIKey:           "test-api-key",
		AdminAPIKey:      "test-admin-key",
		JWTSecretKey:     "test-jwt-secret",
		JWTEncryptionKey: "01234567890123456789012345678901", // 32 bytes
		HMACKey:          "test-hmac-key",
		DefaultTTL:       time.Hour,
		RenewalWindow:    5 * time.Minute,
		RenewalExtension: time.Hour,
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v, db
}

func TestAuthenticate_RejectsWrongAPIKey(t *testing.T) {
	v, _ := newTestVault(t)
	_, _, err := v.Authenticate(context.Background(), "agent-1", AgentTypeClaude, "wrong-key", []Permission{PermissionRead})
	if err != ErrInvalidAPIKey {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestAuthenticate_ClampsElevatedPermissionsWithoutAdminKey(t *testing.T) {
	v, _ := newTestVault(t)
	pt, _, err := v.Authenticate(context.Background(), "agent-1", AgentTypeClaude, "test-api-key",
		[]Permission{PermissionAdmin, PermissionDebug})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	claims, err := v.Validate(context.Background(), pt.String())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, p := range claims.Permissions {
		if p == PermissionAdmin || p == PermissionDebug {
			t.Fatalf("expected admin/debug to be clamped away for a non-admin key, got %v", claims.Permissions)
		}
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != PermissionRead {
		t.Fatalf("expected permissions to fall back to [read], got %v", claims.Permissions)
	}
}

func TestAuthenticate_AdminKeyGrantsRequestedPermissions(t *testing.T) {
	v, _ := newTestVault(t)
	pt, _, err := v.Authenticate(context.Background(), "admin-agent", AgentTypeAdmin, "test-admin-key",
		[]Permission{PermissionAdmin})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	claims, err := v.Validate(context.Background(), pt.String())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !HasPermission(claims, PermissionAdmin) {
		t.Fatalf("expected admin permission to survive with the admin key, got %v", claims.Permissions)
	}
}

func TestProtectedTokenRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	pt, expiresAt, err := v.Authenticate(context.Background(), "agent-1", AgentTypeClaude, "test-api-key", nil)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !opaqueTokenPattern.MatchString(pt.String()) {
		t.Fatalf("token %q does not match the sct_<body>_<unix> wire format", pt.String())
	}
	if expiresAt.Before(time.Now()) {
		t.Fatalf("expiresAt %v should be in the future", expiresAt)
	}

	claims, err := v.Validate(context.Background(), pt.String())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.AgentID != "agent-1" {
		t.Fatalf("expected agent_id agent-1, got %q", claims.AgentID)
	}
}

func TestValidate_RejectsMalformedToken(t *testing.T) {
	v, _ := newTestVault(t)
	if _, err := v.Validate(context.Background(), "not-a-protected-token"); err != ErrMalformedToken {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestRefresh_RevokesPredecessorAndIssuesNewToken(t *testing.T) {
	v, _ := newTestVault(t)
	pt, _, err := v.Authenticate(context.Background(), "agent-1", AgentTypeClaude, "test-api-key", nil)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	newPT, _, err := v.Refresh(context.Background(), pt.String())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if newPT.Body == pt.Body {
		t.Fatalf("expected refresh to mint a distinct token body")
	}

	if _, err := v.Validate(context.Background(), pt.String()); err == nil {
		t.Fatalf("expected the predecessor token to be revoked after refresh")
	}

	if _, err := v.Validate(context.Background(), newPT.String()); err != nil {
		t.Fatalf("expected the refreshed token to validate, got %v", err)
	}
}

func TestRefresh_RejectsAlreadyRevokedToken(t *testing.T) {
	v, _ := newTestVault(t)
	pt, _, err := v.Authenticate(context.Background(), "agent-1", AgentTypeClaude, "test-api-key", nil)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, _, err := v.Refresh(context.Background(), pt.String()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, _, err := v.Refresh(context.Background(), pt.String()); err == nil {
		t.Fatalf("expected the second refresh of an already-revoked token to fail")
	}
}

func TestCleanup_RemovesExpiredAndOldRevokedRows(t *testing.T) {
	v, db := newTestVault(t)
	pt, _, err := v.Authenticate(context.Background(), "agent-1", AgentTypeClaude, "test-api-key", nil)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, _, err := v.Refresh(context.Background(), pt.String()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Backdate the revoked row's revoked_at so it falls outside retention.
	if _, err := db.ExecContext(context.Background(),
		`UPDATE secure_tokens SET revoked_at = ? WHERE revoked_at IS NOT NULL`,
		time.Now().UTC().Add(-48*time.Hour).Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("backdate revoked_at: %v", err)
	}

	removed, err := v.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected cleanup to remove 1 row, removed %d", removed)
	}

	active, revoked, err := v.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if active != 1 {
		t.Fatalf("expected 1 active token remaining, got %d", active)
	}
	if revoked != 0 {
		t.Fatalf("expected 0 revoked rows remaining after cleanup, got %d", revoked)
	}
}
