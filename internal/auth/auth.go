// Package auth issues and validates session tokens and resolves them to
// identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/model"
)

type ContextKey string

const UserIDKey ContextKey = "userID"

func MakeJWT(userID uuid.UUID, tokenSecret string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    os.Getenv("JWT_ISS"),
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})

	return token.SignedString([]byte(tokenSecret))
}

func ValidateJWT(tokenString, tokenSecret string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(tokenSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("internal/auth: failed to parse token: %w", err)
	}

	if !token.Valid {
		return uuid.UUID{}, errors.New("internal/auth: token is invalid")
	}

	if claims.Subject == "" {
		return uuid.UUID{}, errors.New("internal/auth: subject claim is missing")
	}

	return uuid.Parse(claims.Subject)
}

// GetUserFromContext returns the user id the middleware stored in ctx.
func GetUserFromContext(ctx context.Context) (uuid.UUID, error) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.UUID{}, errors.New("internal/auth: no user id in context")
	}
	return userID, nil
}

// UserLookup loads the identity behind a validated token.
type UserLookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (model.Identity, error)
}

// Resolver turns a bearer token into an Identity. Every failure is reported
// as chat.CodeUnauthorized.
type Resolver struct {
	secret string
	users  UserLookup
}

func NewResolver(secret string, users UserLookup) *Resolver {
	return &Resolver{secret: secret, users: users}
}

func (r *Resolver) Resolve(ctx context.Context, token string) (model.Identity, error) {
	if token == "" {
		return model.Identity{}, &chat.Error{Code: chat.CodeUnauthorized, Op: "auth.resolve", Msg: "missing token"}
	}
	userID, err := ValidateJWT(token, r.secret)
	if err != nil {
		return model.Identity{}, &chat.Error{Code: chat.CodeUnauthorized, Op: "auth.resolve", Msg: "invalid token", Err: err}
	}
	return r.Lookup(ctx, userID)
}

// Lookup resolves an already authenticated user id.
func (r *Resolver) Lookup(ctx context.Context, userID uuid.UUID) (model.Identity, error) {
	identity, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return model.Identity{}, &chat.Error{Code: chat.CodeUnauthorized, Op: "auth.resolve", Msg: "unknown user", Err: err}
	}
	return identity, nil
}
