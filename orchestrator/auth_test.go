// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-key"

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestAuthenticatorJWT(t *testing.T) {
	auth := NewAuthenticator(testJWTSecret)
	require.False(t, auth.DevMode())
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name      string
		header    string
		wantOwner string
		wantErr   bool
	}{
		{
			name:      "sub claim",
			header:    "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"sub": "user-42", "exp": exp}),
			wantOwner: "user-42",
		},
		{
			name:      "user_id claim",
			header:    "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"user_id": "user-7", "exp": exp}),
			wantOwner: "user-7",
		},
		{
			name:      "numeric user_id",
			header:    "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"user_id": 1234, "exp": exp}),
			wantOwner: "1234",
		},
		{
			name:    "wrong secret",
			header:  "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "user-42"}),
			wantErr: true,
		},
		{
			name:    "expired",
			header:  "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "unsigned token",
			header:  "Bearer " + signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"sub": "user-42"}),
			wantErr: true,
		},
		{
			name:    "no subject",
			header:  "Bearer " + signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"exp": exp}),
			wantErr: true,
		},
		{
			name:    "missing header",
			wantErr: true,
		},
		{
			name:    "basic scheme",
			header:  "Basic dXNlcjpwYXNz",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			// The development header is ignored once a secret is set.
			req.Header.Set(DevUserHeader, "spoofed")

			owner, err := auth.Authenticate(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
		})
	}
}

func TestAuthenticatorDevMode(t *testing.T) {
	auth := NewAuthenticator("")
	require.True(t, auth.DevMode())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := auth.Authenticate(req)
	assert.Error(t, err)

	req.Header.Set(DevUserHeader, " dev-user ")
	owner, err := auth.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "dev-user", owner)
}

func TestAuthenticatorMiddleware(t *testing.T) {
	auth := NewAuthenticator(testJWTSecret)
	var gotOwner string
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner, _ = OwnerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, gotOwner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, []byte(testJWTSecret), jwt.MapClaims{"sub": "user-42"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-42", gotOwner)
}

func TestOwnerFromContext(t *testing.T) {
	_, ok := OwnerFromContext(context.Background())
	assert.False(t, ok)

	_, ok = OwnerFromContext(WithOwner(context.Background(), ""))
	assert.False(t, ok)

	owner, ok := OwnerFromContext(WithOwner(context.Background(), "user-1"))
	assert.True(t, ok)
	assert.Equal(t, "user-1", owner)
}
