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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/stream"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes canonical relay events as Server-Sent Events.
//
// # Description
//
// SSEWriter is the HTTP output sink of a relay stream. Each event becomes
// one SSE record:
//
//	event: <kind>
//	data: {"id":"<uuid>","created_at":<ms>,"type":"<kind>",...payload}
//
// and is flushed on its own, so the client sees every event as soon as the
// relay hands it over.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat goroutine
// calls WriteKeepAlive while the relay goroutine calls Emit.
type SSEWriter interface {
	stream.Sink

	// WriteKeepAlive writes an SSE comment (": ping") to keep idle
	// connections open through proxies and load balancers. Clients ignore
	// comments.
	WriteKeepAlive() error
}

// ErrStreamingUnsupported is returned when the response writer cannot
// flush.
var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// ErrStreamClosed is returned for writes after the terminal event.
var ErrStreamClosed = errors.New("stream already terminated")

// wireEvent is the JSON body of one SSE record.
type wireEvent struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	stream.Event
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: Destination of the SSE records.
//   - flusher: Pushes each record to the client.
//   - mu: Serializes Emit and WriteKeepAlive.
//   - failed: Set after the first write error. Later writes fail fast.
//   - closed: Set once a terminal event is written. Nothing follows it.
type sseWriter struct {
	writer  io.Writer
	flusher http.Flusher
	mu      sync.Mutex
	failed  error
	closed  bool
}

// NewSSEWriter creates an SSEWriter over w.
//
// # Inputs
//
//   - w: Response writer. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write. Headers should already be set (see
//     SetSSEHeaders).
//   - error: ErrStreamingUnsupported when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// Emit writes one event as an SSE record and flushes it.
//
// # Description
//
// Stamps the record with a fresh uuid and the current time in
// milliseconds. A write error, or a done ctx, means the client is gone;
// the relay stops on the returned error. After a Done or Error event the
// writer is closed to further events and keepalives.
//
// # Outputs
//
//   - error: ctx.Err(), a marshal error, the write error, or
//     ErrStreamClosed.
func (w *sseWriter) Emit(ctx context.Context, ev stream.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(wireEvent{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Event:     ev,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}
	if w.closed {
		return ErrStreamClosed
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		w.failed = fmt.Errorf("write event: %w", err)
		return w.failed
	}
	w.closed = ev.IsTerminal()
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive writes an SSE comment line and flushes it. It returns
// ErrStreamClosed once the terminal event has been written.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}
	if w.closed {
		return ErrStreamClosed
	}
	if _, err := io.WriteString(w.writer, ": ping\n\n"); err != nil {
		w.failed = fmt.Errorf("write keepalive: %w", err)
		return w.failed
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Must be called before writing any response body. X-Accel-Buffering
// disables nginx response buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
