// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invites

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/demo-coordinator/pkg/logger"
	"github.com/stacklok/demo-coordinator/pkg/telemetry"
)

// Rejection reasons reported to clients.
const (
	ReasonInvalid  = "invalid"
	ReasonNotFound = "not_found"
	ReasonRevoked  = "revoked"
	ReasonUsed     = "used"
	ReasonExpired  = "expired"
)

// tokenPattern is the accepted invite token syntax. Tokens failing it are
// rejected before any store lookup.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

// RejoinCheck reports whether the given invite token plus source address
// matches the current session holder or a pending queue entry. Supplied by the
// coordinator so validation has no dependency on its state.
type RejoinCheck func(inviteToken, sourceAddress string) bool

// Result is the outcome of a validation.
type Result struct {
	Valid  bool
	Reason string
	Rejoin bool
	Record *Record
}

// Validator applies the invite decision ladder against the store.
type Validator struct {
	store   *Store
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// NewValidator builds a Validator. A nil tracer provider disables tracing.
func NewValidator(store *Store, metrics *telemetry.Metrics, tp trace.TracerProvider) *Validator {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	return &Validator{
		store:   store,
		metrics: metrics,
		tracer:  tp.Tracer("invites"),
	}
}

// Validate decides whether token admits a join from sourceAddress.
//
// The ladder, in order: syntax, existence, revoked, exhausted (with the rejoin
// exception), expired, valid. When persist is true an expired record is
// written back with its status flipped; the HTTP sub-request path passes
// persist=false so it stays side-effect free.
//
// A store failure is treated as not_found: the invite gate fails closed.
func (v *Validator) Validate(ctx context.Context, token, sourceAddress string, rejoin RejoinCheck, persist bool) Result {
	ctx, span := v.tracer.Start(ctx, "invite.validate")
	defer span.End()

	res := v.validate(ctx, token, sourceAddress, rejoin, persist)

	status := res.Reason
	switch {
	case res.Rejoin:
		status = "rejoin"
	case res.Valid:
		status = "valid"
	}
	span.SetAttributes(attribute.String("invite.status", status))
	v.metrics.InviteValidated(ctx, status)
	return res
}

func (v *Validator) validate(ctx context.Context, token, sourceAddress string, rejoin RejoinCheck, persist bool) Result {
	if !tokenPattern.MatchString(token) {
		return Result{Reason: ReasonInvalid}
	}

	rec, err := v.store.GetInvite(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrInviteNotFound) {
			logger.Errorw("invite lookup failed, rejecting", "error", err)
		}
		return Result{Reason: ReasonNotFound}
	}

	if rec.Status == StatusRevoked {
		return Result{Reason: ReasonRevoked}
	}

	if rec.Exhausted() {
		if rejoin != nil && rejoin(token, sourceAddress) {
			return Result{Valid: true, Rejoin: true, Record: rec}
		}
		return Result{Reason: ReasonUsed}
	}

	if rec.ExpiresAt.Before(time.Now()) {
		if persist {
			rec.Status = StatusExpired
			// Keep the existing TTL; AppendAudit set it to at least a day.
			if err := v.store.PutInvite(ctx, token, rec, 0); err != nil {
				logger.Warnw("failed to persist expired invite status", "error", err)
			}
		}
		return Result{Reason: ReasonExpired}
	}

	return Result{Valid: true, Record: rec}
}

// ReasonMessage maps a rejection reason to the human-readable message carried
// by invite_invalid frames and 401 bodies.
func ReasonMessage(reason string) string {
	switch reason {
	case ReasonInvalid:
		return "Invite code is malformed"
	case ReasonNotFound:
		return "Invite code not recognized"
	case ReasonRevoked:
		return "Invite code has been revoked"
	case ReasonUsed:
		return "Invite code has already been used"
	case ReasonExpired:
		return "Invite code has expired"
	default:
		return "Invite code rejected"
	}
}
