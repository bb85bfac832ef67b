// Package auth issues and validates the short-lived JWTs that gate the
// streaming gateway and the provider admin API.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope represents allowed operations for a token.
type Scope string

const (
	// ScopeChatStream allows opening the websocket gateway and running
	// conversation turns.
	ScopeChatStream Scope = "chat:stream"

	// ScopeAdminProviders allows mutating the provider registry.
	ScopeAdminProviders Scope = "admin:providers"

	ScopeAll Scope = "*"
)

// TokenClaims are the claims carried by a session token.
type TokenClaims struct {
	UserID         string  `json:"user_id"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Scopes         []Scope `json:"scopes"`
	Nonce          string  `json:"nonce"` // unique per token to prevent replay
	jwt.RegisteredClaims
}

// HasScope checks whether the token grants a scope.
func (tc *TokenClaims) HasScope(scope Scope) bool {
	for _, s := range tc.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// TokenManager signs and validates session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a token manager with the given signing secret and
// token lifetime.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// GenerateSessionToken issues a token scoped to streaming for one
// conversation.
func (tm *TokenManager) GenerateSessionToken(userID, conversationID string) (string, error) {
	return tm.GenerateTokenWithScopes(userID, conversationID, []Scope{ScopeChatStream})
}

// GenerateTokenWithScopes issues a token with explicit scopes.
func (tm *TokenManager) GenerateTokenWithScopes(userID, conversationID string, scopes []Scope) (string, error) {
	now := time.Now()

	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	claims := TokenClaims{
		UserID:         userID,
		ConversationID: conversationID,
		Scopes:         scopes,
		Nonce:          nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "datatalk",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// ValidateToken parses and verifies a token, returning its claims.
func (tm *TokenManager) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// ValidateTokenWithScope verifies a token and requires a scope.
func (tm *TokenManager) ValidateTokenWithScope(tokenString string, requiredScope Scope) (*TokenClaims, error) {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(requiredScope) {
		return nil, errors.New("insufficient permissions")
	}
	return claims, nil
}

// generateNonce creates a cryptographically secure random nonce.
func generateNonce() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
