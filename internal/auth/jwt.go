// Package auth verifies the credentials presented to the API: bearer JWTs
// issued by the identity service for end users, and the operator key used
// on admin routes.
package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"payrecon/internal/types"
)

// Claims is the token payload. The subject carries the numeric user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuthenticator creates an authenticator for secret. When issuer is
// non-empty the iss claim must match it.
func NewJWTAuthenticator(secret types.SecretString, issuer string) *JWTAuthenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{
		secret: []byte(secret.Unmask()),
		parser: jwt.NewParser(opts...),
	}
}

// ResolveToken returns the principal for a valid token.
//   - auth_token_expired: signature valid, exp in the past.
//   - auth_token_invalid: anything else, including a non-numeric subject.
func (a *JWTAuthenticator) ResolveToken(_ context.Context, token string) (*types.Principal, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token subject is not a user id", err)
	}
	return &types.Principal{UserID: userID, Email: claims.Email}, nil
}
