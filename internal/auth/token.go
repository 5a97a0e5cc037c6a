// Package auth — token.go implements validation of externally issued
// access tokens. Issuance itself (login, registration, 2FA, WebAuthn) is
// out of scope; only validating an already-issued JWT lives here,
// satisfied by a small TokenValidator seam so the gateway and HTTP
// middleware never depend on a concrete JWT library directly.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// AuthError carries an HTTP status and a stable error code alongside a
// human-readable message, so authentication failures always surface a
// stable string error_code plus a human-readable message.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// TokenValidator validates an opaque bearer token and returns the user ID
// it authenticates, or an error. It is the seam the gateway and REST
// middleware both delegate to rather than implementing token issuance
// themselves.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// Claims is the minimal claim set this module expects an access token to
// carry: the subject is the authenticated user's ID.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 access tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a JWTValidator using secret as the HMAC key.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies token, returning its subject claim as the
// user ID.
func (v *JWTValidator) Validate(_ context.Context, token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", &AuthError{Status: http.StatusUnauthorized, Code: "token_expired", Message: "access token has expired"}
		}
		return "", &AuthError{Status: http.StatusUnauthorized, Code: "invalid_token", Message: "access token is malformed or invalid"}
	}
	if !parsed.Valid {
		return "", &AuthError{Status: http.StatusUnauthorized, Code: "invalid_token", Message: "access token is malformed or invalid"}
	}

	userID := claims.Subject
	if userID == "" {
		return "", &AuthError{Status: http.StatusUnauthorized, Code: "invalid_token", Message: "access token has no subject claim"}
	}
	return userID, nil
}

// Service adapts a TokenValidator to the ValidateSession shape the HTTP
// middleware and gateway both call.
type Service struct {
	validator TokenValidator
}

// NewService builds a Service around the given TokenValidator.
func NewService(validator TokenValidator) *Service {
	return &Service{validator: validator}
}

// ValidateSession validates token and returns the authenticated user ID.
func (s *Service) ValidateSession(ctx context.Context, token string) (string, error) {
	return s.validator.Validate(ctx, token)
}
