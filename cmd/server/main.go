// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package main is the entry point for the Custodian server.
//
// Custodian continuously authenticates users of client applications by
// scoring streams of behavioral telemetry (taps, swipes, typing cadence,
// geolocation, IP changes, device fingerprints) against per-user online
// anomaly models, and challenges or logs out sessions whose behavior
// drifts from the learned baseline.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered load (defaults, YAML file, env vars)
//  2. Stores: Badger-backed model store and security-question store
//  3. Engine: per-user online anomaly models (half-space trees + statistics)
//  4. Risk machine: severity thresholds and the challenge state machine
//  5. Sink: risk-record publisher (NATS via Watermill, or in-process)
//  6. Gateway: WebSocket hub for client sessions and alert delivery
//  7. Pipeline: partitioned worker pool feeding the engine
//  8. HTTP server: REST ingestion, enrollment, and risk endpoints
//
// Everything long-lived runs under a suture supervisor tree; a crash in
// one layer restarts that layer without tearing down the process.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config.yaml, built-in defaults.
//
// Minimal production setup:
//
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export MODEL_STORE_PATH=/data/custodian/models
//	export AUTH_STORE_PATH=/data/custodian/auth
//	./custodian
//
// With the NATS risk sink:
//
//	export SINK_ENABLED=true
//	export SINK_NATS_URL=nats://nats:4222
//	./custodian
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the HTTP
// listener stops accepting connections, pipeline partitions drain their
// queues, and both Badger stores are closed.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/custodian/internal/anomaly"
	"github.com/tomtom215/custodian/internal/api"
	"github.com/tomtom215/custodian/internal/auth"
	"github.com/tomtom215/custodian/internal/authstore"
	"github.com/tomtom215/custodian/internal/config"
	"github.com/tomtom215/custodian/internal/features"
	"github.com/tomtom215/custodian/internal/gateway"
	"github.com/tomtom215/custodian/internal/logging"
	"github.com/tomtom215/custodian/internal/modelstore"
	"github.com/tomtom215/custodian/internal/pipeline"
	"github.com/tomtom215/custodian/internal/risk"
	"github.com/tomtom215/custodian/internal/sink"
	"github.com/tomtom215/custodian/internal/supervisor"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		// Default logger for config errors; config not yet available.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("environment", cfg.Server.Environment).
		Msg("Starting Custodian")

	// Stores. Models and credentials live in separate Badger instances
	// so credential writes never contend with model persistence.
	modelDB, err := modelstore.Open(cfg.Store.ModelPath, cfg.Store.SyncWrites)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.ModelPath).Msg("Failed to open model store")
	}
	defer func() {
		if err := modelDB.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing model store")
		}
	}()

	authDB, err := modelstore.Open(cfg.Store.AuthPath, true)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.AuthPath).Msg("Failed to open auth store")
	}
	defer func() {
		if err := authDB.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing auth store")
		}
	}()

	models := modelstore.New(modelDB)
	credentials := authstore.New(authDB, cfg.Security.BcryptCost)
	logging.Info().
		Str("model_path", cfg.Store.ModelPath).
		Str("auth_path", cfg.Store.AuthPath).
		Msg("Stores initialized")

	// Scoring stack.
	featCfg := features.DefaultConfig()
	if cfg.Engine.FeatureWindowSec > 0 {
		featCfg.WindowSec = cfg.Engine.FeatureWindowSec
	}
	extractor := features.NewExtractor(featCfg)
	engine := anomaly.NewEngine(anomaly.Config{
		ForestTrees:     cfg.Engine.ForestTrees,
		ForestHeight:    cfg.Engine.ForestHeight,
		ForestWindow:    cfg.Engine.ForestWindow,
		ForestSeed:      cfg.Engine.ForestSeed,
		StatWindow:      cfg.Engine.StatWindow,
		ScoreHistoryCap: cfg.Engine.ScoreHistoryCap,
		GeoMinSamples:   cfg.Engine.GeoMinSamples,
	}, models, models)
	machine := risk.NewMachine(risk.Config{
		MediumThreshold:  cfg.Risk.MediumThreshold,
		HighThreshold:    cfg.Risk.HighThreshold,
		ChallengeTimeout: cfg.Risk.ChallengeTimeout,
		AlertCooldown:    cfg.Risk.AlertCooldown,
	}, credentials)

	// Risk sink. NATS when configured; otherwise an in-process channel
	// publisher so downstream consumers inside the process still work.
	sinkCfg := sink.Config{Topic: cfg.Sink.Topic}
	var riskSink *sink.Sink
	if cfg.Sink.Enabled {
		riskSink, err = sink.NewNATS(sinkCfg, cfg.Sink.NATSURL, logging.Logger())
		if err != nil {
			logging.Fatal().Err(err).Str("url", cfg.Sink.NATSURL).Msg("Failed to connect risk sink")
		}
		logging.Info().Str("url", cfg.Sink.NATSURL).Str("topic", cfg.Sink.Topic).Msg("NATS risk sink connected")
	} else {
		pub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		riskSink = sink.New(sinkCfg, pub, logging.Logger())
		logging.Info().Msg("Risk sink running in-process (SINK_ENABLED=false)")
	}
	defer func() {
		if err := riskSink.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing risk sink")
		}
	}()

	// Gateway hub before the pipeline; the pipeline delivers alerts
	// through it.
	hub := gateway.NewHub()

	pl := pipeline.New(pipeline.Config{
		QueueCapacity:  cfg.Pipeline.QueueCapacity,
		Workers:        cfg.Pipeline.Workers,
		ExpiryInterval: pipeline.DefaultConfig().ExpiryInterval,
	}, extractor, engine, machine, riskSink, hub, logging.Logger())

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
	}

	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED (DISABLE_RATE_LIMIT=true)")
	}

	gatewayHandler := gateway.NewHandler(hub, pl, jwtManager, &cfg.Security)
	apiHandler := api.NewHandler(pl, credentials, models, version)
	router := api.NewRouter(&cfg.Security, apiHandler, gatewayHandler)
	server := api.NewServer(&cfg.Server, router)

	// Supervisor tree: data (store GC), messaging (hub, pipeline),
	// api (HTTP server).
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(supervisor.NewGCService(models, time.Duration(cfg.Store.GCIntervalMs)*time.Millisecond))
	tree.AddMessagingService(supervisor.NewHubService(hub, "gateway-hub"))
	tree.AddMessagingService(pl)
	tree.AddAPIService(server)
	logging.Info().
		Int("port", cfg.Server.Port).
		Int("workers", cfg.Pipeline.Workers).
		Msg("Supervisor tree assembled")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Custodian stopped gracefully")
}
