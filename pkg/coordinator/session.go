// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/demo-coordinator/pkg/invites"
	"github.com/stacklok/demo-coordinator/pkg/logger"
	"github.com/stacklok/demo-coordinator/pkg/supervisor"
)

// activeSession is the at-most-one record behind the active slot.
type activeSession struct {
	id       string
	clientID string
	token    string

	inviteToken   string
	sourceAddress string
	userAgent     string

	startedAt time.Time
	expiresAt time.Time
	queueWait time.Duration

	handle  supervisor.Handle
	cleanup func() // releases the credential file

	awaitingReconnect bool
	disconnectedAt    time.Time

	warnTimer     *time.Timer
	timeoutTimer  *time.Timer
	hardKillTimer *time.Timer
	graceTimer    *time.Timer

	// errors collects failures surfaced during the session; they are carried
	// into the invite audit entry.
	errors []string
}

// startSessionLocked promotes cl into the active slot: spawn the subprocess,
// transfer the pending token, arm the timers, emit the start frames.
//
// On spawn failure cl reverts to connected, the slot stays free, and the
// queue is advanced so the failure does not stall everyone behind cl.
func (c *Coordinator) startSessionLocked(ctx context.Context, cl *Client) {
	ctx, span := c.tracer.Start(ctx, "session.start")
	defer span.End()

	sessionID := uuid.New().String()

	spawnStart := time.Now()
	handle, cleanup, err := c.launcher.Launch(ctx, sessionID, func(exitErr error) {
		c.onSubprocessExit(sessionID, exitErr)
	})
	if err != nil {
		logger.Errorw("failed to start terminal session",
			"client_id", cl.ID, "error", err)
		delete(c.pending, cl.pendingToken)
		cl.state = StateConnected
		cl.pendingToken = ""
		c.sendTo(cl, NewErrorFrame("Failed to start terminal session"))
		c.advanceQueueLocked(ctx)
		return
	}
	c.metrics.SpawnDuration(ctx, time.Since(spawnStart))

	now := time.Now()
	queueWait := now.Sub(cl.joinedAt)
	c.metrics.QueueWait(ctx, queueWait)

	token := cl.pendingToken
	delete(c.pending, token)
	c.sessionTokens[token] = sessionID

	sess := &activeSession{
		id:            sessionID,
		clientID:      cl.ID,
		token:         token,
		inviteToken:   cl.inviteToken,
		sourceAddress: cl.sourceAddress,
		userAgent:     cl.userAgent,
		startedAt:     now,
		expiresAt:     now.Add(c.cfg.SessionTimeout),
		queueWait:     queueWait,
		handle:        handle,
		cleanup:       cleanup,
	}
	c.active = sess
	cl.state = StateActive
	c.metrics.SetSessionActive(true)

	sess.warnTimer = time.AfterFunc(c.cfg.SessionTimeout-c.cfg.WarningLead, func() {
		c.onWarning(sessionID)
	})
	sess.timeoutTimer = time.AfterFunc(c.cfg.SessionTimeout, func() {
		c.onTimeout(sessionID)
	})
	sess.hardKillTimer = time.AfterFunc(c.cfg.SessionTimeout+c.cfg.HardKillGrace, func() {
		c.onHardKill(sessionID)
	})

	// Best-effort persistence record; never read back by this process. The
	// client id is captured here because a reconnect may reassign it.
	go c.writeSessionRecord(sess, cl.ID)

	c.sendTo(cl, SessionTokenFrame{Type: "session_token", SessionToken: token})
	c.sendTo(cl, SessionStartingFrame{
		Type:         "session_starting",
		TerminalURL:  c.cfg.TerminalURL,
		ExpiresAt:    sess.expiresAt.Format(time.RFC3339),
		SessionToken: token,
	})

	c.metrics.SessionStarted(ctx)
	logger.Infow("session started",
		"session_id", sessionID, "client_id", cl.ID,
		"queue_wait_ms", queueWait.Milliseconds(), "expires_at", sess.expiresAt)
}

// endSessionLocked tears down the active session for the given reason and
// advances the queue. A no-op when no session is active.
func (c *Coordinator) endSessionLocked(ctx context.Context, reason string) {
	if c.active == nil {
		return
	}
	_, span := c.tracer.Start(ctx, "session.end")
	defer span.End()

	sess := c.active
	stopTimers(sess)

	duration := time.Since(sess.startedAt)
	c.metrics.SessionEnded(ctx, reason, duration)

	if sess.handle != nil {
		if err := sess.handle.Stop(); err != nil {
			logger.Warnw("failed to stop terminal subprocess",
				"session_id", sess.id, "error", err)
		}
		// Escalate to SIGKILL if the subprocess ignores the soft kill.
		go func(h supervisor.Handle) {
			select {
			case <-h.Done():
			case <-time.After(stopKillGrace):
				_ = h.Kill()
			}
		}(sess.handle)
	}
	if sess.cleanup != nil {
		sess.cleanup()
	}

	delete(c.sessionTokens, sess.token)

	if sess.inviteToken != "" {
		go c.writeAudit(sess, reason)
	}

	if cl := c.clients[sess.clientID]; cl != nil && cl.state == StateActive {
		c.sendTo(cl, SessionEndedFrame{
			Type:               "session_ended",
			Reason:             reason,
			ClearSessionCookie: true,
		})
		cl.state = StateConnected
		cl.pendingToken = ""
		cl.inviteToken = ""
		cl.joinedAt = time.Time{}
	}

	go c.deleteSessionRecord(sess.clientID)

	c.active = nil
	c.metrics.SetSessionActive(false)

	logger.Infow("session ended",
		"session_id", sess.id, "reason", reason,
		"duration_s", duration.Seconds())

	c.advanceQueueLocked(ctx)
}

// advanceQueueLocked promotes the queue head into the free slot, discarding
// heads whose connection is gone. Discards do not shift anyone else's order.
func (c *Coordinator) advanceQueueLocked(ctx context.Context) {
	for c.active == nil && len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]

		cl := c.clients[id]
		if cl == nil || cl.state != StateQueued {
			continue
		}

		c.metrics.SetQueueSize(len(c.queue))
		c.broadcastPositionsLocked()
		c.startSessionLocked(ctx, cl)
		return
	}
	c.metrics.SetQueueSize(len(c.queue))
}

// reconnectLocked hands the dropped holder's session to a matching new
// connection, preserving sessionId, expiry, and token.
func (c *Coordinator) reconnectLocked(cl *Client) {
	sess := c.active
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}

	oldClientID := sess.clientID
	sess.clientID = cl.ID
	sess.awaitingReconnect = false
	sess.disconnectedAt = time.Time{}

	// Re-home the persistence record under the new connection's id so the
	// end-of-session delete finds it.
	go func() {
		c.deleteSessionRecord(oldClientID)
		c.writeSessionRecord(sess, cl.ID)
	}()

	cl.state = StateActive
	cl.inviteToken = sess.inviteToken
	cl.pendingToken = sess.token
	cl.joinedAt = sess.startedAt.Add(-sess.queueWait)

	c.sendTo(cl, SessionTokenFrame{Type: "session_token", SessionToken: sess.token})
	c.sendTo(cl, SessionStartingFrame{
		Type:         "session_starting",
		TerminalURL:  c.cfg.TerminalURL,
		ExpiresAt:    sess.expiresAt.Format(time.RFC3339),
		SessionToken: sess.token,
		Reconnected:  true,
	})

	logger.Infow("session reconnected",
		"session_id", sess.id, "client_id", cl.ID)
}

// armGraceLocked marks the active session as awaiting reconnect and starts
// (or resets) the grace timer. The subprocess keeps running.
func (c *Coordinator) armGraceLocked() {
	sess := c.active
	sess.awaitingReconnect = true
	sess.disconnectedAt = time.Now()

	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
	}
	sessionID := sess.id
	sess.graceTimer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.onGraceExpired(sessionID)
	})

	logger.Infow("session holder disconnected, grace window armed",
		"session_id", sess.id, "grace", c.cfg.DisconnectGrace)
}

// Timer callbacks re-check session identity under the lock: if the slot has
// been cleared or reassigned since the timer was armed, they do nothing.

func (c *Coordinator) onWarning(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.id != sessionID {
		return
	}
	if cl := c.clients[c.active.clientID]; cl != nil {
		c.sendTo(cl, SessionWarningFrame{
			Type:             "session_warning",
			MinutesRemaining: int(c.cfg.WarningLead.Minutes()),
		})
	}
}

func (c *Coordinator) onTimeout(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.id != sessionID {
		return
	}
	c.endSessionLocked(context.Background(), ReasonTimeout)
}

func (c *Coordinator) onHardKill(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.id != sessionID || c.active.handle == nil {
		return
	}
	logger.Warnw("session survived past hard timeout, force killing",
		"session_id", sessionID)
	if err := c.active.handle.Kill(); err != nil {
		logger.Errorw("failed to force kill terminal subprocess",
			"session_id", sessionID, "error", err)
	}
}

func (c *Coordinator) onGraceExpired(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.id != sessionID || !c.active.awaitingReconnect {
		return
	}
	c.endSessionLocked(context.Background(), ReasonDisconnected)
}

// onSubprocessExit runs on the supervisor's watcher goroutine when the
// terminal subprocess exits. A stale exit (session already replaced) is
// ignored.
func (c *Coordinator) onSubprocessExit(sessionID string, exitErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.id != sessionID {
		return
	}
	if exitErr != nil {
		c.active.errors = append(c.active.errors, exitErr.Error())
	}
	c.endSessionLocked(context.Background(), ReasonContainerExit)
}

func stopTimers(sess *activeSession) {
	for _, t := range []*time.Timer{sess.warnTimer, sess.timeoutTimer, sess.hardKillTimer, sess.graceTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// writeSessionRecord stores the best-effort persistence record under
// session:<clientId> with the session's own TTL. clientID is passed in rather
// than read from sess, whose clientID may be reassigned by a reconnect; the
// remaining sess fields are immutable after start.
func (c *Coordinator) writeSessionRecord(sess *activeSession, clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	rec := &invites.SessionRecord{
		SessionID:     sess.id,
		StartedAt:     sess.startedAt,
		ExpiresAt:     sess.expiresAt,
		InviteToken:   sess.inviteToken,
		SourceAddress: sess.sourceAddress,
		UserAgent:     sess.userAgent,
		QueueWaitMs:   sess.queueWait.Milliseconds(),
	}
	if err := c.store.WriteSessionRecord(ctx, clientID, rec, c.cfg.SessionTimeout); err != nil {
		logger.Warnw("failed to persist session record",
			"session_id", sess.id, "error", err)
	}
}

func (c *Coordinator) deleteSessionRecord(clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := c.store.DeleteSessionRecord(ctx, clientID); err != nil {
		logger.Warnw("failed to delete session record",
			"client_id", clientID, "error", err)
	}
}

// writeAudit appends the end-of-session entry to the invite record. Failures
// are logged and swallowed; audit loss must not block the session-end path.
func (c *Coordinator) writeAudit(sess *activeSession, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	entry := invites.SessionAudit{
		SessionID:     sess.id,
		ClientID:      sess.clientID,
		StartedAt:     sess.startedAt,
		EndedAt:       time.Now(),
		EndReason:     reason,
		QueueWaitMs:   sess.queueWait.Milliseconds(),
		SourceAddress: sess.sourceAddress,
		UserAgent:     sess.userAgent,
		Errors:        sess.errors,
	}
	if err := c.store.AppendAudit(ctx, sess.inviteToken, entry); err != nil {
		logger.Errorw("failed to write invite audit entry",
			"session_id", sess.id, "error", err)
	}
}
