// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the relay service configuration.
//
// # Description
//
// Configuration comes from three layers, later layers winning:
//  1. Built-in defaults (ApplyDefaults).
//  2. An optional YAML file.
//  3. Environment variables (ApplyEnv).
//
// Command-line flags are applied by the caller on top of the result.
//
// # Environment Variables
//
//   - RELAY_PORT: HTTP port (default 8000)
//   - RELAY_PROJECT_NUMBER, RELAY_LOCATION, RELAY_ENGINE_ID,
//     RELAY_COLLECTION_ID: default Discovery Engine target
//   - GOOGLE_APPLICATION_CREDENTIALS: service account key file
//   - RELAY_DISCOVERY_BASE_URL: upstream base URL override
//   - RELAY_API_KEYS: comma-separated client API keys
//   - RELAY_CORS_ORIGINS: comma-separated allowed origins
//   - RELAY_RATE_LIMIT_RPS, RELAY_RATE_LIMIT_BURST: per-caller limits
//   - RELAY_GCS_IMPORT: enable gs:// source import (true/false)
//   - RELAY_LOG_LEVEL, RELAY_LOG_JSON, RELAY_LOG_DIR: logging
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector; empty disables tracing
//   - GIN_MODE: debug, release or test
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPort              = 8000
	DefaultPageSize          = 10
	DefaultLanguageCode      = "en"
	DefaultRateLimitRPS      = 10
	DefaultRateLimitBurst    = 20
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultRequestTimeout    = 60 * time.Second
	DefaultAssistTimeout     = 5 * time.Minute
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultMaxUploadBytes    = 200 << 20
	DefaultServiceName       = "discovery-relay"
	DefaultLogLevel          = "info"
)

// DefaultCORSOrigins are the local UI origins allowed when none are
// configured.
var DefaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://0.0.0.0:3000",
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// =============================================================================
// Types
// =============================================================================

// Config is the complete relay service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Search    SearchConfig    `yaml:"search"`
	Stream    StreamConfig    `yaml:"stream"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	GinMode         string        `yaml:"gin_mode"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	APIKeys         []string      `yaml:"api_keys"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DiscoveryConfig configures the upstream client and the default target.
type DiscoveryConfig struct {
	Target          discovery.Target `yaml:",inline"`
	CredentialsFile string           `yaml:"credentials_file"`
	BaseURL         string           `yaml:"base_url"`
	RequestTimeout  time.Duration    `yaml:"request_timeout"`
	GoogleIdentity  bool             `yaml:"google_identity"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	PageSize        int    `yaml:"page_size"`
	LanguageCode    string `yaml:"language_code"`
	SpellCorrection bool   `yaml:"spell_correction"`
}

// StreamConfig configures the SSE endpoints.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// AssistTimeout bounds one streamAssist call, which returns only after
	// the whole answer is generated.
	AssistTimeout time.Duration `yaml:"assist_timeout"`
}

// StorageConfig configures notebook source uploads and gs:// imports.
type StorageConfig struct {
	ImportEnabled  bool  `yaml:"import_enabled"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// RateLimitConfig configures per-caller throttling. A zero or negative
// rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	OTelEndpoint   string `yaml:"otel_endpoint"`
	ServiceName    string `yaml:"service_name"`
	DisableMetrics bool   `yaml:"disable_metrics"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  *bool  `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// =============================================================================
// Loading
// =============================================================================

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment.
//
// # Outputs
//
//   - Config: Merged configuration. Not yet validated.
//   - error: Non-nil if the file cannot be read or parsed, or an
//     environment value is malformed.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg.ApplyDefaults(), nil
}

// ApplyEnv overrides fields from environment variables read through
// lookup (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	if v, ok := lookup("RELAY_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RELAY_PORT %q: %v", ErrInvalidConfig, v, err)
		}
		c.Server.Port = port
	}
	str("GIN_MODE", &c.Server.GinMode)
	list("RELAY_CORS_ORIGINS", &c.Server.CORSOrigins)
	list("RELAY_API_KEYS", &c.Server.APIKeys)

	str("RELAY_PROJECT_NUMBER", &c.Discovery.Target.ProjectNumber)
	str("RELAY_LOCATION", &c.Discovery.Target.Location)
	str("RELAY_ENGINE_ID", &c.Discovery.Target.EngineID)
	str("RELAY_COLLECTION_ID", &c.Discovery.Target.CollectionID)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Discovery.CredentialsFile)
	str("RELAY_DISCOVERY_BASE_URL", &c.Discovery.BaseURL)

	if v, ok := lookup("RELAY_RATE_LIMIT_RPS"); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RELAY_RATE_LIMIT_RPS %q: %v", ErrInvalidConfig, v, err)
		}
		c.RateLimit.RequestsPerSecond = rps
	}
	if v, ok := lookup("RELAY_RATE_LIMIT_BURST"); ok && v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RELAY_RATE_LIMIT_BURST %q: %v", ErrInvalidConfig, v, err)
		}
		c.RateLimit.Burst = burst
	}
	if v, ok := lookup("RELAY_GCS_IMPORT"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RELAY_GCS_IMPORT %q: %v", ErrInvalidConfig, v, err)
		}
		c.Storage.ImportEnabled = enabled
	}

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTelEndpoint)

	str("RELAY_LOG_LEVEL", &c.Logging.Level)
	str("RELAY_LOG_DIR", &c.Logging.Dir)
	if v, ok := lookup("RELAY_LOG_JSON"); ok && v != "" {
		asJSON, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RELAY_LOG_JSON %q: %v", ErrInvalidConfig, v, err)
		}
		c.Logging.JSON = &asJSON
	}
	return nil
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c Config) ApplyDefaults() Config {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = append([]string(nil), DefaultCORSOrigins...)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	c.Discovery.Target = c.Discovery.Target.WithDefaults()
	if c.Discovery.RequestTimeout <= 0 {
		c.Discovery.RequestTimeout = DefaultRequestTimeout
	}

	if c.Search.PageSize <= 0 {
		c.Search.PageSize = DefaultPageSize
	}
	if c.Search.LanguageCode == "" {
		c.Search.LanguageCode = DefaultLanguageCode
	}

	if c.Stream.HeartbeatInterval <= 0 {
		c.Stream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Stream.AssistTimeout <= 0 {
		c.Stream.AssistTimeout = DefaultAssistTimeout
	}
	if c.Storage.MaxUploadBytes <= 0 {
		c.Storage.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if c.RateLimit.RequestsPerSecond == 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.RequestsPerSecond = DefaultRateLimitRPS
		c.RateLimit.Burst = DefaultRateLimitBurst
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	return c
}

// Validate checks values that would make the service fail later.
//
// The default target may be incomplete: requests can name their own.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.GinMode {
	case "", "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.gin_mode %q: want debug, release or test", c.Server.GinMode))
	}
	t := c.Discovery.Target
	if strings.ContainsRune(t.ProjectNumber+t.Location+t.EngineID+t.CollectionID, '/') {
		errs = append(errs, errors.New("discovery target fields must not contain '/'"))
	}
	if c.Search.PageSize > 100 {
		errs = append(errs, fmt.Errorf("search.page_size %d above 100", c.Search.PageSize))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q unknown", c.Logging.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
