// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package gateway serves the WebSocket transport: clients stream
// behavioral events in, and alerts and challenge results flow back over
// the same connection. A session registry maps users to their live
// connections so the pipeline can deliver alerts to the right device.
package gateway

import (
	"context"
	"sync"

	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/metrics"
	"github.com/tomtom215/custodian/internal/risk"
)

// Hub maintains the set of active clients, indexed by user for targeted
// alert delivery.
type Hub struct {
	clients    map[*Client]bool
	byUser     map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// RunWithContext processes client lifecycle events until the context is
// canceled, then closes every connection. Designed for suture
// supervision; it returns ctx.Err() on shutdown.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			logging.Info().Str("component", "gateway-hub").Msg("gateway hub stopped")
			return ctx.Err()

		case client := <-h.Register:
			h.add(client)

		case client := <-h.Unregister:
			h.remove(client)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (h *Hub) String() string { return "gateway-hub" }

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	conns, ok := h.byUser[client.userID]
	if !ok {
		conns = make(map[*Client]bool)
		h.byUser[client.userID] = conns
	}
	conns[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveSessions.Set(float64(total))
	logging.Info().Str("user_id", client.userID).Int("total_clients", total).
		Msg("gateway client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		if conns, ok := h.byUser[client.userID]; ok {
			delete(conns, client)
			if len(conns) == 0 {
				delete(h.byUser, client.userID)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveSessions.Set(float64(total))
	logging.Info().Str("user_id", client.userID).Int("total_clients", total).
		Msg("gateway client disconnected")
}

// DeliverAlert pushes an alert to every live connection for a user. It
// implements the pipeline's AlertDeliverer. A saturated client misses
// the alert; the risk state machine already recorded the decision.
func (h *Hub) DeliverAlert(userID string, alert *risk.Alert) {
	msg := OutMessage{
		Type: MessageTypeBehavioralAlert,
		Data: AlertData{
			Modality:  string(alert.Modality),
			Score:     alert.Score,
			Severity:  alert.Level,
			Action:    alert.Action,
			Questions: alert.Questions,
			IssuedAt:  alert.IssuedAt,
		},
	}

	// The lock is held across the sends: remove() closes client send
	// channels under the write lock, so a send can never race a close.
	// Sends are non-blocking, so holding the lock is bounded.
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.byUser[userID]
	if len(conns) == 0 {
		metrics.AlertDeliveryFailures.Inc()
		logging.Warn().Str("user_id", userID).Str("action", string(alert.Action)).
			Msg("no live connection for alert")
		return
	}

	for c := range conns {
		select {
		case c.send <- msg:
			metrics.AlertsDelivered.WithLabelValues(string(alert.Action)).Inc()
		default:
			metrics.AlertDeliveryFailures.Inc()
			logging.Warn().Str("user_id", userID).Msg("client send buffer full, alert dropped")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnected reports whether a user has at least one live connection.
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.byUser = make(map[string]map[*Client]bool)
	metrics.ActiveSessions.Set(0)
}
