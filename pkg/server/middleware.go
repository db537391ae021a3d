// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/demo-coordinator/pkg/logger"
)

// requestLogger logs one structured line per request. The proxy's sub-requests
// and scrapes (/session/validate, /metrics, /health) fire constantly and are
// logged at debug; everything else at info.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch r.URL.Path {
		case "/session/validate", "/metrics", "/health":
			logger.Debugw("request", fields...)
		default:
			logger.Infow("request", fields...)
		}
	})
}
