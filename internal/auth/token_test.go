package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/pkg/errors"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	id := Identity{
		User: providers.UserIdentity{UserID: uuid.New(), Email: "ada@example.com", FirstName: "Ada", LastName: "Obi"},
	}
	signed, err := tokens.Issue(id)
	require.NoError(t, err)

	got, err := tokens.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, id.User, got.User)
	assert.Equal(t, audit.RoleUser, got.Role)
	assert.False(t, got.Actor().IsAdmin())
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	id := Identity{User: providers.UserIdentity{UserID: uuid.New()}, Role: audit.RoleAdmin}

	other, err := NewTokens("other", time.Minute).Issue(id)
	require.NoError(t, err)
	_, err = tokens.Verify(other)
	assert.True(t, errors.Is(err, errors.Unauthorized))

	expired := NewTokens("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue(id)
	require.NoError(t, err)
	_, err = tokens.Verify(old)
	assert.True(t, errors.Is(err, errors.Unauthorized))

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, &TokenClaims{
		UserID:    id.User.UserID,
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := refresh.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Verify(signed)
	assert.True(t, errors.Is(err, errors.Unauthorized))

	_, err = tokens.Verify("not-a-token")
	assert.True(t, errors.Is(err, errors.Unauthorized))
}
