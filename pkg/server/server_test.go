// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/demo-coordinator/pkg/coordinator"
	"github.com/stacklok/demo-coordinator/pkg/invites"
	"github.com/stacklok/demo-coordinator/pkg/supervisor"
	"github.com/stacklok/demo-coordinator/pkg/telemetry"
	"github.com/stacklok/demo-coordinator/pkg/tokens"
)

type stubHandle struct {
	done chan struct{}
}

func (h *stubHandle) Stop() error           { close(h.done); return nil }
func (h *stubHandle) Kill() error           { return nil }
func (h *stubHandle) Done() <-chan struct{} { return h.done }

type stubLauncher struct{}

func (stubLauncher) Launch(_ context.Context, _ string, _ func(error)) (supervisor.Handle, func(), error) {
	return &stubHandle{done: make(chan struct{})}, func() {}, nil
}

type testServer struct {
	ts    *httptest.Server
	coord *coordinator.Coordinator
	mr    *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := invites.NewStoreWithClient(client, 30*24*time.Hour)
	metrics := telemetry.NewNoopMetrics()
	validator := invites.NewValidator(store, metrics, nil)

	coord := coordinator.New(coordinator.Config{
		SessionTimeout:        time.Hour,
		DisconnectGrace:       10 * time.Second,
		MaxQueueSize:          10,
		AverageSessionMinutes: 45,
	}, tokens.NewMinter("test-secret"), validator, store, stubLauncher{}, metrics, nil)

	srv := New(coord, validator, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { coord.Shutdown(context.Background()) })

	return &testServer{ts: ts, coord: coord, mr: mr}
}

func (s *testServer) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteJSON(v))
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, s.ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestStatus(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, s.ts.URL+"/status", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["queue_size"])
	assert.Equal(t, false, body["session_active"])
	assert.Equal(t, "0 minutes", body["estimated_wait"])
	assert.Equal(t, float64(10), body["max_queue_size"])
}

func TestSessionValidateNoCookie(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/session/validate")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionValidateUnknownToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/session/validate", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "bogus-token"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionValidateLiveSession(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	conn := s.dialWS(t)
	require.Equal(t, "status", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]string{"type": "join_queue"})
	tokenFrame := readFrame(t, conn)
	require.Equal(t, "session_token", tokenFrame["type"])
	require.Equal(t, "session_starting", readFrame(t, conn)["type"])

	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/session/validate", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{
		Name:  SessionCookie,
		Value: tokenFrame["session_token"].(string),
	})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("X-Grafana-User"), "demo-"))
}

func TestInviteValidateHeader(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := &invites.Record{
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
		MaxUses:   1,
		Status:    invites.StatusActive,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	s.mr.Set("invite:tok-0001", string(data))

	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/invite/validate", nil)
	require.NoError(t, err)
	req.Header.Set("X-Invite-Token", "tok-0001")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
}

func TestInviteValidateQueryParam(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, s.ts.URL+"/invite/validate?token=missing-token", &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "not_found", body["reason"])
	assert.NotEmpty(t, body["message"])
}

func TestInviteValidateExpiredHasNoSideEffects(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rec := &invites.Record{
		ExpiresAt: time.Now().Add(-time.Minute).UTC(),
		MaxUses:   1,
		Status:    invites.StatusActive,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	s.mr.Set("invite:tok-0001", string(data))

	var body map[string]any
	resp := getJSON(t, s.ts.URL+"/invite/validate?token=tok-0001", &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "expired", body["reason"])

	stored, err := s.mr.Get("invite:tok-0001")
	require.NoError(t, err)
	var after invites.Record
	require.NoError(t, json.Unmarshal([]byte(stored), &after))
	assert.Equal(t, invites.StatusActive, after.Status, "sub-request path must not write back")
}

func TestWebsocketJoinFlow(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	conn := s.dialWS(t)

	status := readFrame(t, conn)
	assert.Equal(t, "status", status["type"])
	assert.Equal(t, float64(0), status["queue_size"])
	assert.Equal(t, false, status["session_active"])

	sendFrame(t, conn, map[string]string{"type": "join_queue"})
	tokenFrame := readFrame(t, conn)
	assert.Equal(t, "session_token", tokenFrame["type"])
	assert.NotEmpty(t, tokenFrame["session_token"])

	starting := readFrame(t, conn)
	assert.Equal(t, "session_starting", starting["type"])
	assert.Equal(t, "/terminal", starting["terminal_url"])
	assert.Equal(t, tokenFrame["session_token"], starting["session_token"])
}

func TestWebsocketHeartbeat(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	conn := s.dialWS(t)
	readFrame(t, conn) // status

	sendFrame(t, conn, map[string]string{"type": "heartbeat"})
	assert.Equal(t, "heartbeat_ack", readFrame(t, conn)["type"])
}

func TestWebsocketMalformedMessage(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	conn := s.dialWS(t)
	readFrame(t, conn) // status

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Invalid message format", frame["message"])

	// The connection survives a malformed frame.
	sendFrame(t, conn, map[string]string{"type": "heartbeat"})
	assert.Equal(t, "heartbeat_ack", readFrame(t, conn)["type"])
}

func TestWebsocketUnknownType(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	conn := s.dialWS(t)
	readFrame(t, conn) // status

	sendFrame(t, conn, map[string]string{"type": "dance"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Unknown message type: dance", frame["message"])
}

func TestWebsocketDisconnectFreesQueueSlot(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	// First connection takes the slot.
	active := s.dialWS(t)
	readFrame(t, active)
	sendFrame(t, active, map[string]string{"type": "join_queue"})
	readFrame(t, active) // session_token
	readFrame(t, active) // session_starting

	// Second connection queues, then drops.
	queued := s.dialWS(t)
	readFrame(t, queued)
	sendFrame(t, queued, map[string]string{"type": "join_queue"})
	readFrame(t, queued) // session_token
	pos := readFrame(t, queued)
	require.Equal(t, "queue_position", pos["type"])
	require.Equal(t, float64(1), pos["position"])
	require.NoError(t, queued.Close())

	deadline := time.Now().Add(2 * time.Second)
	for s.coord.QueueSize() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, s.coord.QueueSize())
}
