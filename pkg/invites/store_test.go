// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invites

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreWithClient(client, 30*24*time.Hour), mr
}

func seedInvite(t *testing.T, mr *miniredis.Miniredis, token string, rec *Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	mr.Set("invite:"+token, string(data))
}

func TestGetInvite(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	ctx := context.Background()

	seedInvite(t, mr, "tok1", &Record{
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
		MaxUses:   1,
		Status:    StatusActive,
	})

	rec, err := store.GetInvite(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, 1, rec.MaxUses)
	assert.Zero(t, rec.UseCount)
}

func TestGetInviteNotFound(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	_, err := store.GetInvite(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrInviteNotFound)
}

func TestPutInviteKeepsTTLWhenZero(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	ctx := context.Background()

	rec := &Record{ExpiresAt: time.Now().Add(time.Hour).UTC(), MaxUses: 1, Status: StatusActive}
	require.NoError(t, store.PutInvite(ctx, "tok1", rec, 2*time.Hour))
	require.Equal(t, 2*time.Hour, mr.TTL("invite:tok1"))

	ttl, err := store.InviteTTL(ctx, "tok1")
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, ttl)

	rec.Status = StatusExpired
	require.NoError(t, store.PutInvite(ctx, "tok1", rec, 0))
	assert.Equal(t, 2*time.Hour, mr.TTL("invite:tok1"), "zero TTL must keep the existing expiry")
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC()
	seedInvite(t, mr, "tok1", &Record{ExpiresAt: expires, MaxUses: 1, Status: StatusActive})

	entry := SessionAudit{
		SessionID:     "sess-1",
		ClientID:      "client-1",
		StartedAt:     time.Now().Add(-10 * time.Minute).UTC(),
		EndedAt:       time.Now().UTC(),
		EndReason:     "timeout",
		QueueWaitMs:   1500,
		SourceAddress: "10.0.0.7",
		UserAgent:     "test-agent",
	}
	require.NoError(t, store.AppendAudit(ctx, "tok1", entry))

	rec, err := store.GetInvite(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UseCount)
	assert.Equal(t, StatusUsed, rec.Status)
	require.Len(t, rec.Sessions, 1)
	assert.Equal(t, "sess-1", rec.Sessions[0].SessionID)
	assert.Equal(t, "timeout", rec.Sessions[0].EndReason)
	assert.Equal(t, int64(1500), rec.Sessions[0].QueueWaitMs)

	// TTL extends to expiry plus the retention window.
	ttl := mr.TTL("invite:tok1")
	assert.Greater(t, ttl, 29*24*time.Hour)
}

func TestAppendAuditMultiUseStaysActive(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	ctx := context.Background()

	seedInvite(t, mr, "tok1", &Record{
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
		MaxUses:   3,
		Status:    StatusActive,
	})

	require.NoError(t, store.AppendAudit(ctx, "tok1", SessionAudit{SessionID: "sess-1"}))

	rec, err := store.GetInvite(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UseCount)
	assert.Equal(t, StatusActive, rec.Status)
}

func TestAppendAuditMissingRecord(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	err := store.AppendAudit(context.Background(), "missing", SessionAudit{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrInviteNotFound)
}

func TestSessionRecordRoundTrip(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{
		SessionID:     "sess-1",
		StartedAt:     time.Now().UTC(),
		ExpiresAt:     time.Now().Add(time.Hour).UTC(),
		SourceAddress: "10.0.0.7",
		QueueWaitMs:   250,
	}
	require.NoError(t, store.WriteSessionRecord(ctx, "client-1", rec, time.Hour))
	assert.True(t, mr.Exists("session:client-1"))
	assert.Equal(t, time.Hour, mr.TTL("session:client-1"))

	require.NoError(t, store.DeleteSessionRecord(ctx, "client-1"))
	assert.False(t, mr.Exists("session:client-1"))
}
