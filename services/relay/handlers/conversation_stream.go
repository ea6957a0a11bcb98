// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/datatypes"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/observability"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Handler
// =============================================================================

// StreamHandler serves the SSE conversation endpoints.
//
// # Description
//
// Each request builds an upstream adapter for the resolved target, runs a
// fresh stream.Relay against an SSEWriter, and records the outcome. Both
// endpoints share the same flow and differ only in the adapter variant:
//
//   - POST /v1/conversations/stream: incremental (converse).
//   - POST /v1/assist/stream: batch (streamAssist).
//
// Request parse and validation failures are answered with a plain 400
// before the stream starts. Everything after that, including an
// unreachable upstream or an empty query, is reported in-band as the
// stream's terminal error event.
//
// # Thread Safety
//
// Safe for concurrent requests. Per-request state lives on the stack.
type StreamHandler struct {
	deps *Deps
}

// NewStreamHandler creates the streaming handler.
func NewStreamHandler(d *Deps) *StreamHandler {
	return &StreamHandler{deps: d}
}

// HandleConverseStream serves POST /v1/conversations/stream.
func (h *StreamHandler) HandleConverseStream(c *gin.Context) {
	var req datatypes.ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.deps.badRequest(c, "converse_stream", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.deps.badRequest(c, "converse_stream", err)
		return
	}

	target := req.Resolve(h.deps.Defaults)
	upstream := stream.NewConverseUpstream(h.deps.Client, target)
	h.serve(c, observability.VariantIncremental, target, upstream, req.StreamQuery())
}

// HandleAssistStream serves POST /v1/assist/stream.
func (h *StreamHandler) HandleAssistStream(c *gin.Context) {
	var req datatypes.AssistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.deps.badRequest(c, "assist_stream", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.deps.badRequest(c, "assist_stream", err)
		return
	}

	target := req.Resolve(h.deps.Defaults)
	upstream := stream.NewAssistUpstream(h.deps.Client, target, req.Params(),
		stream.WithAssistTimeout(h.deps.settings().AssistTimeout))
	h.serve(c, observability.VariantBatch, target, upstream, req.StreamQuery())
}

// serve runs one relay and writes its events to the response.
//
// # Description
//
//  1. Sets SSE headers and creates the writer.
//  2. Starts the heartbeat goroutine.
//  3. Runs the relay until a terminal event, cancellation or client loss.
//  4. Stops the heartbeat before returning, so nothing writes to the
//     response after the handler exits.
//  5. Records metrics, span status and a summary log line.
func (h *StreamHandler) serve(
	c *gin.Context,
	variant observability.Variant,
	target discovery.Target,
	upstream stream.Upstream,
	q stream.Query,
) {
	start := time.Now()
	requestID := uuid.New().String()

	ctx, span := tracer.Start(c.Request.Context(), "relay.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("relay.variant", string(variant)),
		attribute.String("relay.request_id", requestID),
		attribute.String("discovery.project", target.ProjectNumber),
		attribute.String("discovery.engine", target.EngineID),
		attribute.Bool("relay.continuation", q.ContinuationToken != ""),
	)

	logger := h.deps.logger().With(
		"request_id", requestID,
		"variant", string(variant),
		"engine", target.EngineID,
	)

	c.Header("X-Request-ID", requestID)
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "streaming unsupported")
		logger.Error("cannot stream response", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)
	c.Writer.Flush()

	metrics := h.deps.Metrics
	opts := []stream.Option{stream.WithLogger(logger)}
	if metrics != nil {
		metrics.StreamStarted(variant)
		opts = append(opts, stream.WithObserver(metrics.Observer(variant)))
	}

	stopHeartbeat := h.startHeartbeat(ctx, writer, variant, logger)
	outcome, runErr := stream.NewRelay(upstream, opts...).Run(ctx, q, writer)
	stopHeartbeat()

	elapsed := time.Since(start)
	result := "abandoned"
	if runErr == nil {
		result = string(outcome.Terminal.Kind)
	}

	span.SetAttributes(
		attribute.Int("relay.fragments", outcome.Fragments),
		attribute.Int("relay.events", outcome.Events),
		attribute.String("relay.outcome", result),
	)

	if metrics != nil {
		if runErr == nil {
			metrics.RecordTerminal(variant, outcome.Terminal)
		} else {
			metrics.RecordClientDisconnect(variant)
		}
		metrics.StreamEnded(variant, result, elapsed)
	}

	attrs := []any{
		"outcome", result,
		"fragments", outcome.Fragments,
		"events", outcome.Events,
		"duration_ms", elapsed.Milliseconds(),
	}
	switch {
	case runErr != nil:
		span.SetStatus(codes.Error, "client went away")
		logger.Info("stream abandoned", append(attrs, "error", runErr)...)
	case outcome.Terminal.Kind == stream.EventError:
		span.SetStatus(codes.Error, string(outcome.Terminal.Error.Kind))
		logger.Warn("stream failed", append(attrs,
			"error_kind", string(outcome.Terminal.Error.Kind),
			"error", outcome.Terminal.Error.Message,
		)...)
	default:
		span.SetStatus(codes.Ok, "")
		logger.Info("stream completed", attrs...)
	}
}

// startHeartbeat writes keepalive comments every HeartbeatInterval until
// the returned stop function is called or ctx ends. stop blocks until the
// goroutine has exited.
func (h *StreamHandler) startHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	variant observability.Variant,
	logger *slog.Logger,
) (stop func()) {
	interval := h.deps.settings().HeartbeatInterval
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					if !errors.Is(err, ErrStreamClosed) {
						logger.Debug("failed to write keepalive", "error", err)
					}
					return
				}
				if m := h.deps.Metrics; m != nil {
					m.RecordKeepAlive(variant)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
