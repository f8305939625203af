// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func TestTransientStoreErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", fmt.Errorf("upsert: %w", context.DeadlineExceeded), true},
		{"cancelled", fmt.Errorf("upsert: %w", context.Canceled), true},
		{"pg connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"pg insufficient resources", &pgconn.PgError{Code: "53300"}, true},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"pg serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"sqlite busy", fmt.Errorf("upsert: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"sqlite locked", fmt.Errorf("upsert: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("bad row"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, isTransientStoreError(tc.err))
		})
	}
}

func TestConstraintViolationClassification(t *testing.T) {
	assert.True(t, isConstraintViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isConstraintViolation(fmt.Errorf("upsert: %w", sqlite3.Error{Code: sqlite3.ErrConstraint})))
	assert.False(t, isConstraintViolation(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.False(t, isConstraintViolation(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isConstraintViolation(errors.New("bad row")))
}
