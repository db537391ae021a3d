// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package coordinator owns the queue/session state machine: the waiting
// queue, the single active-session slot, the token maps, and every state
// transition between them.
//
// All core state is guarded by one mutex. Join deliberately holds it across
// the invite lookup and the subprocess spawn so that the precondition a
// transition observed cannot be invalidated by a concurrent join; the spawn
// and the store round trips are bounded by their own timeouts.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/demo-coordinator/pkg/invites"
	"github.com/stacklok/demo-coordinator/pkg/logger"
	"github.com/stacklok/demo-coordinator/pkg/supervisor"
	"github.com/stacklok/demo-coordinator/pkg/telemetry"
	"github.com/stacklok/demo-coordinator/pkg/tokens"
)

// State is a per-connection lifecycle state.
type State string

// Per-connection states.
const (
	StateConnected State = "connected"
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateEnded     State = "ended"
)

// Session end reasons.
const (
	ReasonTimeout       = "timeout"
	ReasonContainerExit = "container_exit"
	ReasonDisconnected  = "disconnected"
	ReasonShutdown      = "shutdown"
	ReasonUserEnded     = "user_ended"
	ReasonError         = "error"
)

const (
	storeOpTimeout = 5 * time.Second

	// stopKillGrace is how long a soft-killed subprocess gets before SIGKILL.
	stopKillGrace = 10 * time.Second
)

// Sender delivers outbound frames to one client connection. Implementations
// must be safe for concurrent use.
type Sender interface {
	Send(v any) error
}

// Launcher spawns the terminal subprocess for a session. Implemented by
// *supervisor.Supervisor; tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, sessionID string, onExit func(error)) (supervisor.Handle, func(), error)
}

// Config carries the coordinator's tunables.
type Config struct {
	SessionTimeout        time.Duration
	WarningLead           time.Duration // before the soft timeout; default 5m
	HardKillGrace         time.Duration // after the soft timeout; default 5m
	DisconnectGrace       time.Duration
	MaxQueueSize          int
	AverageSessionMinutes int
	TerminalURL           string
}

func (c Config) withDefaults() Config {
	if c.WarningLead == 0 {
		c.WarningLead = 5 * time.Minute
	}
	if c.HardKillGrace == 0 {
		c.HardKillGrace = 5 * time.Minute
	}
	if c.TerminalURL == "" {
		c.TerminalURL = "/terminal"
	}
	return c
}

// Client is one connected peer, keyed by a process-unique id. The coordinator
// owns all fields; the connection surface only holds the id.
type Client struct {
	ID            string
	state         State
	joinedAt      time.Time
	sourceAddress string
	userAgent     string
	inviteToken   string
	pendingToken  string
	lastSeen      time.Time
	send          Sender
}

// pendingEntry mirrors a minted-but-not-promoted session token.
type pendingEntry struct {
	clientID      string
	inviteToken   string
	sourceAddress string
	createdAt     time.Time
}

// Coordinator is the process-wide queue/session state machine.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	clients       map[string]*Client
	queue         []string
	active        *activeSession
	pending       map[string]pendingEntry
	sessionTokens map[string]string // token -> sessionID

	closed bool

	minter    *tokens.Minter
	validator *invites.Validator
	store     *invites.Store
	launcher  Launcher
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// New assembles a Coordinator. A nil tracer provider disables tracing.
func New(
	cfg Config,
	minter *tokens.Minter,
	validator *invites.Validator,
	store *invites.Store,
	launcher Launcher,
	metrics *telemetry.Metrics,
	tp trace.TracerProvider,
) *Coordinator {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	return &Coordinator{
		cfg:           cfg.withDefaults(),
		clients:       make(map[string]*Client),
		pending:       make(map[string]pendingEntry),
		sessionTokens: make(map[string]string),
		minter:        minter,
		validator:     validator,
		store:         store,
		launcher:      launcher,
		metrics:       metrics,
		tracer:        tp.Tracer("coordinator"),
	}
}

// Register creates the per-connection state for a freshly opened connection
// and sends the initial status frame. It returns the client id the surface
// uses for subsequent dispatch.
func (c *Coordinator) Register(send Sender, sourceAddress, userAgent string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl := &Client{
		ID:            uuid.New().String(),
		state:         StateConnected,
		sourceAddress: sourceAddress,
		userAgent:     userAgent,
		lastSeen:      time.Now(),
		send:          send,
	}
	c.clients[cl.ID] = cl

	c.sendTo(cl, StatusFrame{
		Type:          "status",
		QueueSize:     len(c.queue),
		SessionActive: c.active != nil,
	})
	return cl.ID
}

// Join handles a join_queue intent: reconnect takeover, direct admission,
// queueing, or rejection.
func (c *Coordinator) Join(ctx context.Context, clientID, inviteToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl := c.clients[clientID]
	if cl == nil || c.closed {
		return
	}
	if cl.state != StateConnected {
		c.sendTo(cl, NewErrorFrame("Already in queue"))
		return
	}

	// Reconnect: the active holder dropped and this join matches its invite
	// token (possibly empty, for sessions admitted without one) and source
	// address within the grace window.
	if c.active != nil && c.active.awaitingReconnect &&
		inviteToken == c.active.inviteToken &&
		cl.sourceAddress == c.active.sourceAddress {
		c.reconnectLocked(cl)
		return
	}

	if inviteToken != "" {
		res := c.validator.Validate(ctx, inviteToken, cl.sourceAddress, c.rejoinEligibleLocked, true)
		if !res.Valid {
			c.sendTo(cl, InviteInvalidFrame{
				Type:    "invite_invalid",
				Reason:  res.Reason,
				Message: invites.ReasonMessage(res.Reason),
			})
			return
		}
	}

	// Empty queue and a free slot: admit directly.
	if c.active == nil && len(c.queue) == 0 {
		cl.inviteToken = inviteToken
		cl.joinedAt = time.Now()
		c.mintPendingLocked(cl)
		c.startSessionLocked(ctx, cl)
		return
	}

	if len(c.queue) >= c.cfg.MaxQueueSize {
		c.sendTo(cl, QueueFullFrame{
			Type:    "queue_full",
			Message: "The queue is currently full, please try again later",
		})
		return
	}

	cl.state = StateQueued
	cl.inviteToken = inviteToken
	cl.joinedAt = time.Now()
	c.mintPendingLocked(cl)
	c.sendTo(cl, SessionTokenFrame{Type: "session_token", SessionToken: cl.pendingToken})
	c.queue = append(c.queue, cl.ID)
	c.metrics.SetQueueSize(len(c.queue))
	c.broadcastPositionsLocked()

	logger.Infow("client queued",
		"client_id", cl.ID, "position", len(c.queue), "queue_size", len(c.queue))
}

// Leave handles a leave_queue intent. Leaving when not queued is a no-op and
// emits nothing.
func (c *Coordinator) Leave(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl := c.clients[clientID]
	if cl == nil || cl.state != StateQueued {
		return
	}

	c.removeFromQueueLocked(cl.ID)
	delete(c.pending, cl.pendingToken)
	cl.state = StateConnected
	cl.pendingToken = ""
	cl.inviteToken = ""
	cl.joinedAt = time.Time{}

	c.sendTo(cl, LeftQueueFrame{Type: "left_queue"})
	c.metrics.SetQueueSize(len(c.queue))
	c.broadcastPositionsLocked()
}

// Heartbeat acknowledges a keepalive and refreshes the client's last-seen
// timestamp (retained for audit logging only).
func (c *Coordinator) Heartbeat(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl := c.clients[clientID]
	if cl == nil {
		return
	}
	cl.lastSeen = time.Now()
	c.sendTo(cl, HeartbeatAckFrame{Type: "heartbeat_ack"})
}

// Disconnect is called by the connection surface when a connection closes.
// A queued client is removed promptly; the active holder keeps its session
// for the reconnect grace window.
func (c *Coordinator) Disconnect(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl := c.clients[clientID]
	if cl == nil {
		return
	}

	switch cl.state {
	case StateQueued:
		c.removeFromQueueLocked(cl.ID)
		delete(c.pending, cl.pendingToken)
		c.metrics.SetQueueSize(len(c.queue))
		c.broadcastPositionsLocked()
	case StateActive:
		if c.active != nil && c.active.clientID == clientID {
			c.armGraceLocked()
		}
	case StateConnected, StateEnded:
	}

	cl.state = StateEnded
	delete(c.clients, clientID)
}

// Shutdown ends the active session with reason shutdown. Further joins are
// rejected; the caller then tears down the listener.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.endSessionLocked(ctx, ReasonShutdown)
}

// QueueSize returns the current queue depth.
func (c *Coordinator) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// SessionActive reports whether the slot is held.
func (c *Coordinator) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// MaxQueueSize returns the configured queue bound.
func (c *Coordinator) MaxQueueSize() int {
	return c.cfg.MaxQueueSize
}

// EstimatedWait returns the wait estimate shown on the status endpoint for
// the next joiner.
func (c *Coordinator) EstimatedWait() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimatedWait(len(c.queue))
}

// ValidateSessionToken answers the auth sub-request: is this bearer token a
// live session or a pending queue entry? It returns the proxy principal on
// success. A token that maps to a no-longer-current session is evicted.
func (c *Coordinator) ValidateSessionToken(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sid, ok := c.sessionTokens[token]; ok {
		if c.active != nil && c.active.id == sid {
			return "demo-" + shortID(sid), true
		}
		delete(c.sessionTokens, token)
		return "", false
	}
	if entry, ok := c.pending[token]; ok {
		return "demo-" + shortID(entry.clientID), true
	}
	return "", false
}

// RejoinEligible reports whether inviteToken plus sourceAddress matches the
// active session or a pending queue entry. Used by the HTTP invite
// sub-request path; the join path uses the locked variant.
func (c *Coordinator) RejoinEligible(inviteToken, sourceAddress string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejoinEligibleLocked(inviteToken, sourceAddress)
}

func (c *Coordinator) rejoinEligibleLocked(inviteToken, sourceAddress string) bool {
	if c.active != nil &&
		c.active.inviteToken == inviteToken && c.active.sourceAddress == sourceAddress {
		return true
	}
	for _, entry := range c.pending {
		if entry.inviteToken == inviteToken && entry.sourceAddress == sourceAddress {
			return true
		}
	}
	return false
}

// mintPendingLocked issues the client's pending session token and registers
// it in the pending map.
func (c *Coordinator) mintPendingLocked(cl *Client) {
	token := c.minter.Mint(cl.ID)
	cl.pendingToken = token
	c.pending[token] = pendingEntry{
		clientID:      cl.ID,
		inviteToken:   cl.inviteToken,
		sourceAddress: cl.sourceAddress,
		createdAt:     time.Now(),
	}
}

// removeFromQueueLocked drops clientID from the queue, preserving order of
// the rest.
func (c *Coordinator) removeFromQueueLocked(clientID string) {
	for i, id := range c.queue {
		if id == clientID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// broadcastPositionsLocked re-sends queue_position to every queued client.
// Called after any mutation that shifts positions.
func (c *Coordinator) broadcastPositionsLocked() {
	for i, id := range c.queue {
		cl := c.clients[id]
		if cl == nil {
			continue
		}
		position := i + 1
		c.sendTo(cl, QueuePositionFrame{
			Type:          "queue_position",
			Position:      position,
			QueueSize:     len(c.queue),
			EstimatedWait: c.estimatedWait(position),
		})
	}
}

func (c *Coordinator) estimatedWait(position int) string {
	return fmt.Sprintf("%d minutes", position*c.cfg.AverageSessionMinutes)
}

// sendTo delivers a frame, logging delivery failures at debug level. A dead
// connection surfaces through the disconnect path, not here.
func (c *Coordinator) sendTo(cl *Client, frame any) {
	if err := cl.send.Send(frame); err != nil {
		logger.Debugw("failed to deliver frame", "client_id", cl.ID, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
