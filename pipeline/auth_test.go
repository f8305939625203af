// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("valid key passes", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/ingest", nil)
		req.Header.Set("x-api-key", "sekrit")
		NewAPIKeyAuth("sekrit").Middleware(next).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/ingest", nil)
		req.Header.Set("x-api-key", "wrong")
		NewAPIKeyAuth("sekrit").Middleware(next).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing key rejected", func(t *testing.T) {
		rr := httptest.NewRecorder()
		NewAPIKeyAuth("sekrit").Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/ingest", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("empty configured key disables check", func(t *testing.T) {
		rr := httptest.NewRecorder()
		NewAPIKeyAuth("").Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/ingest", nil))
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestAdminJWTRoundTrip(t *testing.T) {
	auth := NewAdminJWT("test-secret")

	token, err := auth.GenerateToken("ops-alice", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	operator, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-alice", operator)
}

func TestAdminJWTRejectsBadTokens(t *testing.T) {
	auth := NewAdminJWT("test-secret")

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewAdminJWT("other-secret").GenerateToken("ops", time.Hour)
		require.NoError(t, err)
		_, err = auth.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := auth.GenerateToken("ops", -time.Minute)
		require.NoError(t, err)
		_, err = auth.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := auth.ValidateToken("not.a.token")
		assert.Error(t, err)
	})
}

func TestAdminJWTOperatorExtraction(t *testing.T) {
	auth := NewAdminJWT("test-secret")
	token, err := auth.GenerateToken("ops", time.Hour)
	require.NoError(t, err)

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/requeue", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		operator, err := auth.Operator(req)
		require.NoError(t, err)
		assert.Equal(t, "ops", operator)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/requeue", nil)
		_, err := auth.Operator(req)
		assert.Error(t, err)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/requeue", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		_, err := auth.Operator(req)
		assert.Error(t, err)
	})
}
