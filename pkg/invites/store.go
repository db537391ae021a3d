// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/demo-coordinator/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

const (
	invitePrefix  = "invite:"
	sessionPrefix = "session:"

	// minAuditTTL keeps an invite record around for at least a day after the
	// audit write, even when the record is already past expiry.
	minAuditTTL = 24 * time.Hour

	auditRetryMaxTries = 3
)

// ErrInviteNotFound is returned when no record exists for a token.
var ErrInviteNotFound = errors.New("invite not found")

// Store reads and writes invite and session records in Redis. Invite records
// carry a per-key TTL; every update renews it so the record outlives the
// invite's own expiry by the audit retention window.
type Store struct {
	client         redis.UniversalClient
	auditRetention time.Duration
}

// NewStore connects to Redis at redisURL and verifies the connection.
func NewStore(ctx context.Context, redisURL string, auditRetention time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = DefaultDialTimeout
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: client, auditRetention: auditRetention}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests with miniredis.
func NewStoreWithClient(client redis.UniversalClient, auditRetention time.Duration) *Store {
	return &Store{client: client, auditRetention: auditRetention}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// GetInvite fetches the record for token, or ErrInviteNotFound.
func (s *Store) GetInvite(ctx context.Context, token string) (*Record, error) {
	data, err := s.client.Get(ctx, invitePrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read invite record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode invite record: %w", err)
	}
	return &rec, nil
}

// PutInvite writes the record for token with the given TTL. A zero TTL keeps
// the key's current expiry.
func (s *Store) PutInvite(ctx context.Context, token string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode invite record: %w", err)
	}
	if ttl == 0 {
		return s.client.Set(ctx, invitePrefix+token, data, redis.KeepTTL).Err()
	}
	return s.client.Set(ctx, invitePrefix+token, data, ttl).Err()
}

// InviteTTL returns the remaining TTL for token's record.
func (s *Store) InviteTTL(ctx context.Context, token string) (time.Duration, error) {
	return s.client.TTL(ctx, invitePrefix+token).Result()
}

// AppendAudit records the end of a session against its invite: the entry is
// appended, the use count advances, and the record flips to used once
// exhausted. The TTL is renewed so the record survives until expiry plus the
// audit retention window, with a one-day floor.
//
// Transient store failures are retried a bounded number of times; a final
// failure is reported to the caller, who logs and swallows it. Audit loss is
// preferred to blocking the session-end path.
func (s *Store) AppendAudit(ctx context.Context, token string, entry SessionAudit) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (any, error) {
		return nil, s.appendAuditOnce(ctx, token, entry)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(auditRetryMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnf("audit write for invite failed, retrying in %v: %v", d, err)
		}),
	)
	return err
}

func (s *Store) appendAuditOnce(ctx context.Context, token string, entry SessionAudit) error {
	rec, err := s.GetInvite(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInviteNotFound) {
			// Record evicted or revoked out of band; nothing to append to.
			return backoff.Permanent(err)
		}
		return err
	}

	rec.Sessions = append(rec.Sessions, entry)
	rec.UseCount++
	if rec.UseCount >= rec.MaxUses {
		rec.Status = StatusUsed
	}

	ttl := time.Until(rec.ExpiresAt) + s.auditRetention
	if ttl < minAuditTTL {
		ttl = minAuditTTL
	}
	return s.PutInvite(ctx, token, rec, ttl)
}

// WriteSessionRecord stores the best-effort session persistence record.
func (s *Store) WriteSessionRecord(ctx context.Context, clientID string, rec *SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	return s.client.Set(ctx, sessionPrefix+clientID, data, ttl).Err()
}

// DeleteSessionRecord removes the persistence record for clientID.
func (s *Store) DeleteSessionRecord(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, sessionPrefix+clientID).Err()
}
