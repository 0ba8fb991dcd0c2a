// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ownerContextKey is a private type for the owner id stored in the request context
type ownerContextKey struct{}

// DevUserHeader carries the owner id when no JWT secret is configured.
const DevUserHeader = "X-User-ID"

// Authenticator resolves the owner of a request.
//
// With a secret, requests must carry "Authorization: Bearer <jwt>" signed
// with HS256 and a "sub" or "user_id" claim. Without one the X-User-ID
// header is trusted, which is only meant for local development.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator. An empty secret enables
// development mode.
func NewAuthenticator(secret string) *Authenticator {
	a := &Authenticator{}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// DevMode reports whether the X-User-ID header is accepted.
func (a *Authenticator) DevMode() bool {
	return len(a.secret) == 0
}

// Middleware rejects unauthenticated requests with 401 and stores the owner
// id in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := a.Authenticate(r)
		if err != nil {
			sendErrorResponse(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
	})
}

// Authenticate returns the owner id of r.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if a.DevMode() {
		ownerID := strings.TrimSpace(r.Header.Get(DevUserHeader))
		if ownerID == "" {
			return "", fmt.Errorf("missing %s header", DevUserHeader)
		}
		return ownerID, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "", fmt.Errorf("authorization header must use the Bearer scheme")
	}

	return a.ownerFromToken(tokenString)
}

func (a *Authenticator) ownerFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	ownerID := getClaimString(claims, "sub")
	if ownerID == "" {
		ownerID = getClaimString(claims, "user_id")
	}
	if ownerID == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return ownerID, nil
}

// getClaimString reads a string claim. Numeric ids are formatted as integers.
func getClaimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

// WithOwner returns a copy of ctx carrying ownerID.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, ownerID)
}

// OwnerFromContext returns the owner id set by the auth middleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerContextKey{}).(string)
	return ownerID, ok && ownerID != ""
}
