// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the relay's HTTP endpoints.
//
// # Description
//
// Two kinds of handlers live here:
//   - Streaming handlers (StreamHandler) run one stream.Relay per request
//     and write its events as Server-Sent Events.
//   - Routine handlers (search, engines, assistants, conversations,
//     notebooks) forward one request to Discovery Engine and return JSON.
//
// Every request may name its target project, location and engine. Empty
// fields fall back to the configured default target.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/observability"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("discovery-relay.handlers")

// Default limits used when Settings leaves them zero.
const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultPageSize          = 10
	defaultLanguageCode      = "en"
	defaultMaxUploadBytes    = 200 << 20
)

// =============================================================================
// Dependencies
// =============================================================================

// Settings are the request defaults and limits of the handlers.
type Settings struct {
	// PageSize is the default search and listing page size.
	PageSize int

	// LanguageCode is the default search language.
	LanguageCode string

	// SpellCorrection is the default search spell correction mode.
	SpellCorrection bool

	// HeartbeatInterval is the keepalive period of SSE streams.
	HeartbeatInterval time.Duration

	// AssistTimeout bounds the batch upstream call. Zero uses
	// stream.DefaultAssistTimeout.
	AssistTimeout time.Duration

	// MaxUploadBytes bounds uploaded and imported source files.
	MaxUploadBytes int64

	// GoogleIdentity selects the notebook URL domain for Google identity
	// users.
	GoogleIdentity bool
}

func (s Settings) withDefaults() Settings {
	if s.PageSize <= 0 {
		s.PageSize = defaultPageSize
	}
	if s.LanguageCode == "" {
		s.LanguageCode = defaultLanguageCode
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = defaultHeartbeatInterval
	}
	if s.MaxUploadBytes <= 0 {
		s.MaxUploadBytes = defaultMaxUploadBytes
	}
	return s
}

// Deps carries what the handlers need.
//
// # Fields
//
//   - Client: Discovery Engine client. Required.
//   - Defaults: Target used for fields a request leaves empty.
//   - Opener: Object storage for gs:// imports. Nil disables the import
//     endpoint (503).
//   - Metrics: Prometheus metrics. Nil disables recording.
//   - Logger: Request logger. Nil uses slog.Default().
//   - Settings: Defaults and limits.
type Deps struct {
	Client   *discovery.Client
	Defaults discovery.Target
	Opener   discovery.ObjectOpener
	Metrics  *observability.RelayMetrics
	Logger   *slog.Logger
	Settings Settings
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) settings() Settings {
	return d.Settings.withDefaults()
}

// =============================================================================
// Health
// =============================================================================

// HealthCheck reports that the process is serving.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Error Mapping
// =============================================================================

// statusFor maps an operation error to the HTTP status returned to the
// client.
//
// # Description
//
//   - Invalid targets, sources and object URIs: 400.
//   - Object too large: 413. Object not found: 404.
//   - Missing credentials: 503. Deadline exceeded: 504.
//   - Upstream 4xx: passed through. Upstream 5xx or no response: 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, discovery.ErrInvalidTarget),
		errors.Is(err, discovery.ErrInvalidSource),
		errors.Is(err, discovery.ErrInvalidObjectURI):
		return http.StatusBadRequest
	case errors.Is(err, discovery.ErrObjectTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return http.StatusNotFound
	case errors.Is(err, discovery.ErrCredentials):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if code := discovery.StatusCode(err); code >= 400 && code < 500 {
		return code
	}
	return http.StatusBadGateway
}

// clientMessage returns the message safe to show the client. Upstream
// server failures and transport errors are replaced by a generic text.
func clientMessage(status int, err error) string {
	switch {
	case status == http.StatusServiceUnavailable:
		return "upstream credentials unavailable"
	case status == http.StatusGatewayTimeout:
		return "upstream request timed out"
	case status >= 500:
		return "upstream service error"
	case discovery.StatusCode(err) != 0:
		return discovery.ErrorMessage(err)
	default:
		return err.Error()
	}
}

// abortWithError logs err and writes the mapped JSON error response.
func (d *Deps) abortWithError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	d.logger().Log(c.Request.Context(), level, "request failed",
		"op", op,
		"status", status,
		"upstream_status", discovery.StatusCode(err),
		"error", err,
	)
	c.AbortWithStatusJSON(status, gin.H{"error": clientMessage(status, err)})
}

// badRequest writes a 400 for an unparsable or invalid request body.
func (d *Deps) badRequest(c *gin.Context, op string, err error) {
	d.logger().Warn("invalid request", "op", op, "error", err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
}
