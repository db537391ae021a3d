// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

const meterName = "demo-coordinator"

// Metrics is the coordinator's instrument set.
//
// The two gauges are observable: the coordinator pushes the current values
// into atomics and the SDK reads them at collection time.
type Metrics struct {
	queueSize      atomic.Int64
	sessionsActive atomic.Int64

	sessionsStarted  metric.Int64Counter
	sessionsEnded    metric.Int64Counter
	invitesValidated metric.Int64Counter
	sessionDuration  metric.Float64Histogram
	queueWait        metric.Float64Histogram
	ttydSpawn        metric.Float64Histogram
}

// NewMetrics registers the instrument set on the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.sessionsStarted, err = meter.Int64Counter("demo_sessions_started",
		metric.WithDescription("Terminal sessions started")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.sessionsEnded, err = meter.Int64Counter("demo_sessions_ended",
		metric.WithDescription("Terminal sessions ended, by reason")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.invitesValidated, err = meter.Int64Counter("demo_invites_validated",
		metric.WithDescription("Invite validation decisions, by status")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.sessionDuration, err = meter.Float64Histogram("demo_session_duration",
		metric.WithDescription("Session duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	if m.queueWait, err = meter.Float64Histogram("demo_queue_wait",
		metric.WithDescription("Time spent queued before a session started"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	if m.ttydSpawn, err = meter.Float64Histogram("demo_ttyd_spawn",
		metric.WithDescription("Terminal subprocess spawn latency"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	if _, err = meter.Int64ObservableGauge("demo_queue_size",
		metric.WithDescription("Current queue depth"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.queueSize.Load())
			return nil
		})); err != nil {
		return nil, fmt.Errorf("failed to create gauge: %w", err)
	}
	if _, err = meter.Int64ObservableGauge("demo_sessions_active",
		metric.WithDescription("Whether a session currently holds the slot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.sessionsActive.Load())
			return nil
		})); err != nil {
		return nil, fmt.Errorf("failed to create gauge: %w", err)
	}

	return m, nil
}

// NewNoopMetrics returns an instrument set that records nothing. Used by tests.
func NewNoopMetrics() *Metrics {
	m, err := NewMetrics(metricnoop.NewMeterProvider())
	if err != nil {
		// The noop provider never fails to create instruments.
		panic(err)
	}
	return m
}

// SetQueueSize updates the queue-depth gauge.
func (m *Metrics) SetQueueSize(n int) {
	m.queueSize.Store(int64(n))
}

// SetSessionActive updates the active-session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.sessionsActive.Store(1)
	} else {
		m.sessionsActive.Store(0)
	}
}

// SessionStarted counts a session start.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.sessionsStarted.Add(ctx, 1)
}

// SessionEnded counts a session end and observes its duration, tagged by reason.
func (m *Metrics) SessionEnded(ctx context.Context, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.sessionsEnded.Add(ctx, 1, attrs)
	m.sessionDuration.Record(ctx, duration.Seconds(), attrs)
}

// InviteValidated counts one validation decision.
func (m *Metrics) InviteValidated(ctx context.Context, status string) {
	m.invitesValidated.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// QueueWait observes how long a promoted client waited in the queue.
func (m *Metrics) QueueWait(ctx context.Context, wait time.Duration) {
	m.queueWait.Record(ctx, wait.Seconds())
}

// SpawnDuration observes terminal subprocess spawn latency.
func (m *Metrics) SpawnDuration(ctx context.Context, d time.Duration) {
	m.ttydSpawn.Record(ctx, d.Seconds())
}
