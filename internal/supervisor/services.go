// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package supervisor

import (
	"context"
	"time"

	"github.com/tomtom215/custodian/internal/modelstore"
)

// GCService runs the model store's Badger value-log garbage collector
// under supervision.
type GCService struct {
	store    *modelstore.Store
	interval time.Duration
}

// NewGCService wraps a store's GC loop as a suture service.
func NewGCService(store *modelstore.Store, interval time.Duration) *GCService {
	return &GCService{store: store, interval: interval}
}

// Serve blocks until the context is canceled.
func (g *GCService) Serve(ctx context.Context) error {
	g.store.RunGC(ctx, g.interval)
	return ctx.Err()
}

func (g *GCService) String() string { return "modelstore-gc" }

// ContextHub is a hub that runs until its context ends. The gateway
// hub satisfies this.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// HubService adapts a ContextHub to suture.Service.
type HubService struct {
	hub  ContextHub
	name string
}

// NewHubService wraps a hub for supervision.
func NewHubService(hub ContextHub, name string) *HubService {
	if name == "" {
		name = "hub"
	}
	return &HubService{hub: hub, name: name}
}

// Serve runs the hub until the context is canceled.
func (h *HubService) Serve(ctx context.Context) error {
	return h.hub.RunWithContext(ctx)
}

func (h *HubService) String() string { return h.name }
