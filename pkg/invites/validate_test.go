// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invites

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/demo-coordinator/pkg/telemetry"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	store, _ := newTestStore(t)
	return NewValidator(store, telemetry.NewNoopMetrics(), nil)
}

func TestValidateSyntax(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"too short", "abc"},
		{"too long", strings.Repeat("a", 65)},
		{"bad characters", "tok/../en"},
		{"whitespace", "tok en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := v.Validate(ctx, tt.token, "10.0.0.7", nil, true)
			assert.False(t, res.Valid)
			assert.Equal(t, ReasonInvalid, res.Reason)
		})
	}
}

func TestValidateNotFound(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	res := v.Validate(context.Background(), "missing-token", "10.0.0.7", nil, true)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestValidateDecisionLadder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	future := time.Now().Add(time.Hour).UTC()
	tests := []struct {
		name       string
		record     Record
		wantValid  bool
		wantReason string
	}{
		{
			name:       "revoked wins over everything",
			record:     Record{ExpiresAt: future, MaxUses: 1, UseCount: 1, Status: StatusRevoked},
			wantReason: ReasonRevoked,
		},
		{
			name:       "used by count",
			record:     Record{ExpiresAt: future, MaxUses: 1, UseCount: 1, Status: StatusActive},
			wantReason: ReasonUsed,
		},
		{
			name:       "used by status",
			record:     Record{ExpiresAt: future, MaxUses: 1, Status: StatusUsed},
			wantReason: ReasonUsed,
		},
		{
			name:       "expired",
			record:     Record{ExpiresAt: time.Now().Add(-time.Minute).UTC(), MaxUses: 1, Status: StatusActive},
			wantReason: ReasonExpired,
		},
		{
			name:      "active invite admits",
			record:    Record{ExpiresAt: future, MaxUses: 1, Status: StatusActive},
			wantValid: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, mr := newTestStore(t)
			v := NewValidator(store, telemetry.NewNoopMetrics(), nil)
			seedInvite(t, mr, "tok-0001", &tt.record)

			res := v.Validate(ctx, "tok-0001", "10.0.0.7", nil, true)
			assert.Equal(t, tt.wantValid, res.Valid)
			if !tt.wantValid {
				assert.Equal(t, tt.wantReason, res.Reason)
			}
		})
	}
}

func TestValidateUsedAllowsRejoin(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	v := NewValidator(store, telemetry.NewNoopMetrics(), nil)
	ctx := context.Background()

	seedInvite(t, mr, "tok-0001", &Record{
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
		MaxUses:   1,
		UseCount:  1,
		Status:    StatusUsed,
	})

	holderAddr := "10.0.0.7"
	rejoin := func(token, addr string) bool {
		return token == "tok-0001" && addr == holderAddr
	}

	res := v.Validate(ctx, "tok-0001", holderAddr, rejoin, true)
	assert.True(t, res.Valid)
	assert.True(t, res.Rejoin)

	res = v.Validate(ctx, "tok-0001", "10.0.0.8", rejoin, true)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonUsed, res.Reason)
}

func TestValidateExpiredPersistsStatus(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	v := NewValidator(store, telemetry.NewNoopMetrics(), nil)
	ctx := context.Background()

	seedInvite(t, mr, "tok-0001", &Record{
		ExpiresAt: time.Now().Add(-time.Minute).UTC(),
		MaxUses:   1,
		Status:    StatusActive,
	})

	res := v.Validate(ctx, "tok-0001", "10.0.0.7", nil, true)
	require.False(t, res.Valid)
	require.Equal(t, ReasonExpired, res.Reason)

	rec, err := store.GetInvite(ctx, "tok-0001")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, rec.Status)
}

func TestValidateExpiredWithoutPersist(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	v := NewValidator(store, telemetry.NewNoopMetrics(), nil)
	ctx := context.Background()

	seedInvite(t, mr, "tok-0001", &Record{
		ExpiresAt: time.Now().Add(-time.Minute).UTC(),
		MaxUses:   1,
		Status:    StatusActive,
	})

	res := v.Validate(ctx, "tok-0001", "10.0.0.7", nil, false)
	require.False(t, res.Valid)
	require.Equal(t, ReasonExpired, res.Reason)

	// The sub-request path is side-effect free.
	rec, err := store.GetInvite(ctx, "tok-0001")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestReasonMessageCoversAllReasons(t *testing.T) {
	t.Parallel()
	for _, reason := range []string{ReasonInvalid, ReasonNotFound, ReasonRevoked, ReasonUsed, ReasonExpired} {
		assert.NotEmpty(t, ReasonMessage(reason))
	}
}
