// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/custodian/internal/config"
	"github.com/tomtom215/custodian/internal/metrics"
)

// NewRouter builds the HTTP routing tree. gatewayHandler serves the
// WebSocket endpoint and may be nil when the gateway is disabled.
func NewRouter(cfg *config.SecurityConfig, handler *Handler, gatewayHandler http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	if gatewayHandler != nil {
		r.Handle("/ws", gatewayHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if !cfg.RateLimitDisabled {
			reqs := cfg.RateLimitReqs
			if reqs <= 0 {
				reqs = 300
			}
			window := cfg.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.Limit(reqs, window,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, r, http.StatusTooManyRequests, ErrCodeTooManyRequests, "rate limit exceeded")
				}),
			))
		}

		r.Post("/events", handler.IngestEvent)
		r.Post("/challenge/response", handler.RespondChallenge)
		r.Post("/enroll", handler.Enroll)
		r.Get("/users/{id}/risk", handler.UserRisk)
	})

	return r
}

// requestMetrics records request counts and latency per route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, ww.Status(), time.Since(start))
	})
}
