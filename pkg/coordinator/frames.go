// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package coordinator

// Outbound protocol frames. Every frame is a JSON object with a "type"
// discriminator; the connection surface serializes them as-is.

// StatusFrame is sent immediately on connect.
type StatusFrame struct {
	Type          string `json:"type"`
	QueueSize     int    `json:"queue_size"`
	SessionActive bool   `json:"session_active"`
}

// QueuePositionFrame tells a queued client where it stands.
type QueuePositionFrame struct {
	Type          string `json:"type"`
	Position      int    `json:"position"`
	QueueSize     int    `json:"queue_size"`
	EstimatedWait string `json:"estimated_wait"`
}

// QueueFullFrame rejects a join against a full queue.
type QueueFullFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// LeftQueueFrame acknowledges a leave_queue.
type LeftQueueFrame struct {
	Type string `json:"type"`
}

// SessionTokenFrame carries the bearer token, both at queue entry (pending)
// and at session start (promoted).
type SessionTokenFrame struct {
	Type         string `json:"type"`
	SessionToken string `json:"session_token"`
}

// SessionStartingFrame announces the terminal is (about to be) reachable.
type SessionStartingFrame struct {
	Type         string `json:"type"`
	TerminalURL  string `json:"terminal_url"`
	ExpiresAt    string `json:"expires_at"`
	SessionToken string `json:"session_token"`
	Reconnected  bool   `json:"reconnected,omitempty"`
}

// SessionWarningFrame fires five minutes before the soft timeout.
type SessionWarningFrame struct {
	Type             string `json:"type"`
	MinutesRemaining int    `json:"minutes_remaining"`
}

// SessionEndedFrame reports the end of the holder's session.
type SessionEndedFrame struct {
	Type               string `json:"type"`
	Reason             string `json:"reason"`
	ClearSessionCookie bool   `json:"clear_session_cookie"`
}

// InviteInvalidFrame rejects a join with a bad invite.
type InviteInvalidFrame struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// HeartbeatAckFrame answers a heartbeat.
type HeartbeatAckFrame struct {
	Type string `json:"type"`
}

// ErrorFrame reports a client-scoped error; the connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorFrame builds an ErrorFrame. Exported for the connection surface,
// which emits protocol errors before dispatching to the coordinator.
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: "error", Message: message}
}
