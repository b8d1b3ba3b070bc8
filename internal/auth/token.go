// Package auth verifies the bearer tokens issued by the identity service and
// turns them into a caller identity.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Aidin1998/fincore/internal/audit"
	"github.com/Aidin1998/fincore/internal/providers"
	"github.com/Aidin1998/fincore/pkg/errors"
)

const tokenTypeAccess = "access"

// TokenClaims is the access token payload.
type TokenClaims struct {
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role"`
	TokenType string    `json:"token_type"`
	jwt.RegisteredClaims
}

// Identity is the caller of a request.
type Identity struct {
	User providers.UserIdentity
	Role string
}

func (i Identity) Actor() audit.Actor {
	return audit.Actor{ID: i.User.UserID, Role: i.Role}
}

// Tokens verifies and, for tests and tooling, signs HS256 access tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs an access token for id.
func (t *Tokens) Issue(id Identity) (string, error) {
	now := t.now()
	claims := &TokenClaims{
		UserID:    id.User.UserID,
		Email:     id.User.Email,
		FirstName: id.User.FirstName,
		LastName:  id.User.LastName,
		Phone:     id.User.Phone,
		Role:      id.Role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.User.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err)
	}
	return signed, nil
}

// Verify parses an access token and returns the caller it names.
func (t *Tokens) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, errors.Unauthorized.Explain("invalid token").Wrap(err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, errors.Unauthorized.Explain("invalid token claims")
	}
	if claims.TokenType != tokenTypeAccess || claims.UserID == uuid.Nil {
		return nil, errors.Unauthorized.Explain("not an access token")
	}
	role := claims.Role
	if role == "" {
		role = audit.RoleUser
	}
	return &Identity{
		User: providers.UserIdentity{
			UserID:    claims.UserID,
			Email:     claims.Email,
			FirstName: claims.FirstName,
			LastName:  claims.LastName,
			Phone:     claims.Phone,
		},
		Role: role,
	}, nil
}
