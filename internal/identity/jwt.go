package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtIssuer = "sharedctx-server"

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
)

// jwtClaims is the wire shape of the JWT sealed inside a protected token's
// ciphertext. It's never serialized back to a client directly.
type jwtClaims struct {
	jwt.RegisteredClaims
	AgentType   AgentType    `json:"agent_type"`
	Permissions []Permission `json:"permissions"`
}

// issueJWT mints a signed JWT for the given claims using HS256, the same
// signing family the teacher's backend-issued tokens use.
func issueJWT(secret []byte, agentID string, agentType AgentType, perms []Permission, tokenID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        tokenID,
		},
		AgentType:   agentType,
		Permissions: perms,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// parseJWT validates the signature and expiry of a sealed JWT and converts
// it back into Claims.
func parseJWT(secret []byte, signed string) (Claims, error) {
	var claims jwtClaims
	token, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if !token.Valid {
		return Claims{}, ErrTokenMalformed
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return Claims{
		AgentID:     claims.Subject,
		AgentType:   claims.AgentType,
		Permissions: claims.Permissions,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		TokenID:     claims.ID,
	}, nil
}
