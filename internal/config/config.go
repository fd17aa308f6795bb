// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

// Package config defines the Custodian configuration structure and the
// layered Koanf loader (defaults, YAML file, environment variables).
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for all Custodian components.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Engine   EngineConfig   `koanf:"engine"`
	Risk     RiskConfig     `koanf:"risk"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Store    StoreConfig    `koanf:"store"`
	Sink     SinkConfig     `koanf:"sink"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Port        int           `koanf:"port"`
	Host        string        `koanf:"host"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// SecurityConfig controls session authentication and rate limiting.
type SecurityConfig struct {
	JWTSecret         string        `koanf:"jwt_secret"`
	SessionTimeout    time.Duration `koanf:"session_timeout"`
	BcryptCost        int           `koanf:"bcrypt_cost"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	TrustedProxies    []string      `koanf:"trusted_proxies"`
}

// EngineConfig controls the per-user anomaly models.
//
// The forest parameters are fixed-seed so that two engines fed the same
// event sequence produce identical scores.
type EngineConfig struct {
	ForestTrees      int   `koanf:"forest_trees"`
	ForestHeight     int   `koanf:"forest_height"`
	ForestWindow     int   `koanf:"forest_window"`
	ForestSeed       int64 `koanf:"forest_seed"`
	StatWindow       int   `koanf:"stat_window"`
	ScoreHistoryCap  int   `koanf:"score_history_cap"`
	GeoMinSamples    int   `koanf:"geo_min_samples"`
	FeatureWindowSec int   `koanf:"feature_window_sec"`
}

// RiskConfig controls decision thresholds and the challenge flow.
// Thresholds partition the blended score: [0, Medium) monitor,
// [Medium, High) challenge, [High, 1] force logout.
type RiskConfig struct {
	MediumThreshold  float64       `koanf:"medium_threshold"`
	HighThreshold    float64       `koanf:"high_threshold"`
	ChallengeTimeout time.Duration `koanf:"challenge_timeout"`
	AlertCooldown    time.Duration `koanf:"alert_cooldown"`
}

// PipelineConfig controls the ingress queue and the worker pool.
type PipelineConfig struct {
	QueueCapacity int `koanf:"queue_capacity"`
	Workers       int `koanf:"workers"` // 0 = runtime.NumCPU()
}

// StoreConfig controls the Badger-backed model and credential stores.
type StoreConfig struct {
	ModelPath    string `koanf:"model_path"`
	AuthPath     string `koanf:"auth_path"`
	SyncWrites   bool   `koanf:"sync_writes"`
	GCIntervalMs int    `koanf:"gc_interval_ms"`
}

// SinkConfig controls risk-record publishing.
type SinkConfig struct {
	Enabled       bool          `koanf:"enabled"`
	NATSURL       string        `koanf:"nats_url"`
	Topic         string        `koanf:"topic"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks configuration invariants. It is called by LoadWithKoanf
// after all layers are merged.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range [1, 65535]", c.Server.Port)
	}
	if c.Server.Environment == "production" && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required in production")
	}
	if c.Security.BcryptCost != 0 && (c.Security.BcryptCost < 4 || c.Security.BcryptCost > 31) {
		return fmt.Errorf("security.bcrypt_cost %d out of range [4, 31]", c.Security.BcryptCost)
	}
	if c.Risk.MediumThreshold <= 0 || c.Risk.MediumThreshold >= 1 {
		return fmt.Errorf("risk.medium_threshold %v out of range (0, 1)", c.Risk.MediumThreshold)
	}
	if c.Risk.HighThreshold <= c.Risk.MediumThreshold || c.Risk.HighThreshold > 1 {
		return fmt.Errorf("risk.high_threshold %v must be in (medium_threshold, 1]", c.Risk.HighThreshold)
	}
	if c.Risk.ChallengeTimeout <= 0 {
		return fmt.Errorf("risk.challenge_timeout must be positive")
	}
	if c.Engine.ForestTrees < 1 {
		return fmt.Errorf("engine.forest_trees must be at least 1")
	}
	if c.Engine.ForestHeight < 1 {
		return fmt.Errorf("engine.forest_height must be at least 1")
	}
	if c.Engine.ForestWindow < 1 {
		return fmt.Errorf("engine.forest_window must be at least 1")
	}
	if c.Engine.StatWindow < 2 {
		return fmt.Errorf("engine.stat_window must be at least 2")
	}
	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("pipeline.queue_capacity must be at least 1")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	if c.Sink.Enabled && c.Sink.NATSURL == "" {
		return fmt.Errorf("sink.nats_url is required when sink is enabled")
	}
	return nil
}
