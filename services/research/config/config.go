// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads, defaults, and validates the research service
// configuration.
//
// Precedence, lowest to highest: compiled defaults, the YAML file,
// BERING_-prefixed environment variables. Secrets never live in the
// file; the config carries the NAMES of the environment variables that
// hold them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full research service configuration.
type Config struct {
	Cache       CacheConfig       `yaml:"cache"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Snapshots   SnapshotsConfig   `yaml:"snapshots"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Rules       RulesConfig       `yaml:"rules"`
	Influx      InfluxConfig      `yaml:"influx"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Duration parses YAML durations written as Go duration strings
// ("24h", "90s") or bare integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration node: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CacheConfig selects and tunes the TTL cache backend.
type CacheConfig struct {
	Backend    string   `yaml:"backend" validate:"oneof=memory nats"`
	NATSURL    string   `yaml:"nats_url" validate:"required_if=Backend nats"`
	Bucket     string   `yaml:"bucket"`
	DefaultTTL Duration `yaml:"default_ttl" validate:"min=0"`
}

// CheckpointsConfig selects the durable checkpoint store.
type CheckpointsConfig struct {
	Store      string `yaml:"store" validate:"oneof=none fs cache badger"`
	Dir        string `yaml:"dir" validate:"required_if=Store fs"`
	BadgerPath string `yaml:"badger_path" validate:"required_if=Store badger"`
}

// SnapshotsConfig locates the content-addressed snapshot directory.
type SnapshotsConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

// ProvidersConfig tunes the upstream data providers.
type ProvidersConfig struct {
	StooqRPS           float64 `yaml:"stooq_rps" validate:"gt=0"`
	AlphaVantageKeyEnv string  `yaml:"alphavantage_key_env"`
	AlphaVantageRPS    float64 `yaml:"alphavantage_rps" validate:"gt=0"`
	RangeDays          int     `yaml:"range_days" validate:"gt=0"`
	MinBars            int     `yaml:"min_bars" validate:"gte=0"`
}

// RulesConfig optionally replaces the compiled-in rule table.
type RulesConfig struct {
	File      string `yaml:"file"`
	HotReload bool   `yaml:"hot_reload"`
}

// InfluxConfig enables the optional bar mirror.
type InfluxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url" validate:"required_if=Enabled true"`
	TokenEnv string `yaml:"token_env" validate:"required_if=Enabled true"`
	Org      string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket   string `yaml:"bucket" validate:"required_if=Enabled true"`
}

// TelemetryConfig selects trace/metric exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
}

// ServerConfig tunes the dashboard API daemon.
type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

// LoggingConfig tunes the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a configuration suitable for a single-process
// local run: in-memory cache, filesystem checkpoints, no Influx, no
// remote telemetry.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Backend:    "memory",
			Bucket:     "RESEARCH_CACHE",
			DefaultTTL: Duration(24 * time.Hour),
		},
		Checkpoints: CheckpointsConfig{
			Store: "fs",
			Dir:   "checkpoints",
		},
		Snapshots: SnapshotsConfig{
			Dir: "snapshots",
		},
		Providers: ProvidersConfig{
			StooqRPS:           2,
			AlphaVantageKeyEnv: "ALPHAVANTAGE_API_KEY",
			AlphaVantageRPS:    1.0 / 15.0,
			RangeDays:          180,
			MinBars:            60,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
		Server: ServerConfig{
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads path (optional: empty path keeps defaults), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural constraints via validator tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnvOverrides maps BERING_* variables onto config fields. Only
// the knobs that differ per deployment get an override; secrets are
// read at use sites via the *_env indirection.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("BERING_CACHE_BACKEND", &cfg.Cache.Backend)
	setString("BERING_NATS_URL", &cfg.Cache.NATSURL)
	setString("BERING_CHECKPOINT_STORE", &cfg.Checkpoints.Store)
	setString("BERING_CHECKPOINT_DIR", &cfg.Checkpoints.Dir)
	setString("BERING_SNAPSHOT_DIR", &cfg.Snapshots.Dir)
	setString("BERING_RULES_FILE", &cfg.Rules.File)
	setString("BERING_INFLUX_URL", &cfg.Influx.URL)
	setString("BERING_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	setString("BERING_LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := os.LookupEnv("BERING_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v, ok := os.LookupEnv("BERING_INFLUX_ENABLED"); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Influx.Enabled = enabled
		}
	}
}
