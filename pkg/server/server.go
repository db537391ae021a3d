// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the coordinator over HTTP: the websocket client
// protocol, the reverse proxy's auth and invite sub-requests, and the
// status/health endpoints.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/demo-coordinator/pkg/coordinator"
	"github.com/stacklok/demo-coordinator/pkg/invites"
	"github.com/stacklok/demo-coordinator/pkg/logger"
)

// SessionCookie is the cookie the reverse proxy forwards on auth sub-requests.
const SessionCookie = "demo_session"

// proxyUserHeader names the authenticated principal for the fronting proxy.
const proxyUserHeader = "X-Grafana-User"

// Server is the HTTP surface in front of the coordinator.
type Server struct {
	coord     *coordinator.Coordinator
	validator *invites.Validator
	router    chi.Router
}

// New builds the router. promHandler, when non-nil, is mounted at /metrics.
func New(coord *coordinator.Coordinator, validator *invites.Validator, promHandler http.Handler) *Server {
	s := &Server{coord: coord, validator: validator}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger,
		middleware.Recoverer,
	)

	r.Get("/health", s.getHealth)
	r.Get("/status", s.getStatus)
	r.Get("/session/validate", s.getSessionValidate)
	r.Get("/invite/validate", s.getInviteValidate)
	r.Get("/ws", s.handleWebsocket)
	if promHandler != nil {
		r.Handle("/metrics", promHandler)
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_size":     s.coord.QueueSize(),
		"session_active": s.coord.SessionActive(),
		"estimated_wait": s.coord.EstimatedWait(),
		"max_queue_size": s.coord.MaxQueueSize(),
	})
}

// getSessionValidate answers the proxy's auth sub-request: 200 with the
// principal header when the bearer token maps to the live session or a
// pending queue entry, 401 otherwise.
func (s *Server) getSessionValidate(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		http.Error(w, "No session cookie", http.StatusUnauthorized)
		return
	}

	principal, ok := s.coord.ValidateSessionToken(cookie.Value)
	if !ok {
		http.Error(w, "Session not active", http.StatusUnauthorized)
		return
	}

	w.Header().Set(proxyUserHeader, principal)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// getInviteValidate answers the proxy's invite sub-request without side
// effects: expired records are not written back from this path.
func (s *Server) getInviteValidate(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Invite-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	res := s.validator.Validate(r.Context(), token, sourceAddress(r), s.coord.RejoinEligible, false)
	if !res.Valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"valid":   false,
			"reason":  res.Reason,
			"message": invites.ReasonMessage(res.Reason),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// sourceAddress is the network identity used for reconnect eligibility.
// middleware.RealIP has already folded X-Forwarded-For into RemoteAddr.
func sourceAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}
