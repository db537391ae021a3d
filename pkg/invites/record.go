// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package invites stores and validates single-use invite tokens in the
// external key-value store.
package invites

import "time"

// Status is the lifecycle state of an invite record.
type Status string

// Invite record statuses.
const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Record is the JSON value stored under invite:<token>.
type Record struct {
	ExpiresAt time.Time      `json:"expiresAt"`
	MaxUses   int            `json:"maxUses"`
	UseCount  int            `json:"useCount"`
	Status    Status         `json:"status"`
	Sessions  []SessionAudit `json:"sessions"`
}

// SessionAudit is one end-of-session entry appended to Record.Sessions.
type SessionAudit struct {
	SessionID     string    `json:"sessionId"`
	ClientID      string    `json:"clientId"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
	EndReason     string    `json:"endReason"`
	QueueWaitMs   int64     `json:"queueWaitMs"`
	SourceAddress string    `json:"sourceAddress"`
	UserAgent     string    `json:"userAgent"`
	Errors        []string  `json:"errors,omitempty"`
}

// SessionRecord is the best-effort persistence value stored under
// session:<clientId>. It is written at session start and deleted at session
// end; nothing in this process ever reads it back.
type SessionRecord struct {
	SessionID     string    `json:"sessionId"`
	StartedAt     time.Time `json:"startedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	InviteToken   string    `json:"inviteToken,omitempty"`
	SourceAddress string    `json:"sourceAddress"`
	UserAgent     string    `json:"userAgent"`
	QueueWaitMs   int64     `json:"queueWaitMs"`
}

// Exhausted reports whether the invite has no uses left.
func (r *Record) Exhausted() bool {
	return r.Status == StatusUsed || r.UseCount >= r.MaxUses
}
