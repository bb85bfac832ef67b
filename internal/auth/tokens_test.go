package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGenerateAndValidate(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)

	token, err := tm.GenerateSessionToken("u1", "c1")
	require.NoError(t, err)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "c1", claims.ConversationID)
	assert.True(t, claims.HasScope(ScopeChatStream))
	assert.False(t, claims.HasScope(ScopeAdminProviders))
	assert.NotEmpty(t, claims.Nonce)
}

func TestNoncesAreUnique(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)

	a, err := tm.GenerateSessionToken("u1", "c1")
	require.NoError(t, err)
	b, err := tm.GenerateSessionToken("u1", "c1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestExpiredTokenRejected(t *testing.T) {
	tm := NewTokenManager(testSecret, -time.Minute)

	token, err := tm.GenerateSessionToken("u1", "c1")
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}

func TestWrongSecretRejected(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)
	other := NewTokenManager("another-secret-that-is-long-enough", time.Hour)

	token, err := tm.GenerateSessionToken("u1", "c1")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestScopeEnforcement(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)

	token, err := tm.GenerateTokenWithScopes("admin", "", []Scope{ScopeAdminProviders})
	require.NoError(t, err)

	_, err = tm.ValidateTokenWithScope(token, ScopeAdminProviders)
	assert.NoError(t, err)

	_, err = tm.ValidateTokenWithScope(token, ScopeChatStream)
	assert.Error(t, err)
}

func TestWildcardScope(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour)

	token, err := tm.GenerateTokenWithScopes("root", "", []Scope{ScopeAll})
	require.NoError(t, err)

	_, err = tm.ValidateTokenWithScope(token, ScopeChatStream)
	assert.NoError(t, err)
	_, err = tm.ValidateTokenWithScope(token, ScopeAdminProviders)
	assert.NoError(t, err)
}
