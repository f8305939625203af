// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyAuth guards the ingest surface with a shared key carried in the
// x-api-key header, matching what upstream producers already send.
type APIKeyAuth struct {
	key []byte
}

func NewAPIKeyAuth(key string) *APIKeyAuth {
	return &APIKeyAuth{key: []byte(key)}
}

// Middleware rejects requests without the correct key. An empty configured
// key disables the check (dev mode).
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.key) > 0 {
			got := []byte(r.Header.Get("x-api-key"))
			if subtle.ConstantTimeCompare(got, a.key) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// AdminJWT handles bearer-token auth for operator endpoints (requeue,
// purge). Tokens are HS256 with the operator name in the standard sub claim.
type AdminJWT struct {
	secret []byte
}

func NewAdminJWT(secret string) *AdminJWT {
	return &AdminJWT{secret: []byte(secret)}
}

// GenerateToken issues an operator token. Used by deploy tooling and tests.
func (a *AdminJWT) GenerateToken(operator string, expiration time.Duration) (string, error) {
	claims := &jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now()),
		Issuer:    "analytics-pipeline",
		Subject:   operator,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a token and returns the operator name.
func (a *AdminJWT) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("missing sub (operator) in token")
	}
	return claims.Subject, nil
}

// Operator extracts and validates the bearer token from a request.
func (a *AdminJWT) Operator(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("authorization header must use Bearer scheme")
	}
	return a.ValidateToken(raw)
}
