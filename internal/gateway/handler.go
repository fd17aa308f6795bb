// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/custodian/internal/auth"
	"github.com/tomtom215/custodian/internal/config"
	"github.com/tomtom215/custodian/internal/logging"
)

// Handler upgrades authenticated HTTP requests to gateway sessions.
type Handler struct {
	hub  *Hub
	sink EventSink
	jwt  *auth.JWTManager
	cfg  *config.SecurityConfig
}

// NewHandler wires the WebSocket endpoint.
func NewHandler(hub *Hub, sink EventSink, jwt *auth.JWTManager, cfg *config.SecurityConfig) *Handler {
	return &Handler{hub: hub, sink: sink, jwt: jwt, cfg: cfg}
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin allows non-browser clients (no Origin header) and browser
// origins on the configured allow list.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.cfg == nil {
		return true
	}
	for _, allowed := range h.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket connection rejected from unauthorized origin")
	return false
}

// token extracts the session token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token
// query parameter.
func token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates the request, upgrades it, and registers the
// client with the hub.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := token(r)
	if tok == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}
	claims, err := h.jwt.ValidateToken(tok)
	if err != nil {
		logging.Debug().Err(err).Msg("websocket auth failed")
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, h.sink, claims.UserID, claims.ClientID)
	h.hub.Register <- client
	client.Start()
}
