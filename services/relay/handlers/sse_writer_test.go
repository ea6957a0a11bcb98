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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noFlushWriter hides the recorder's Flush method.
type noFlushWriter struct {
	http.ResponseWriter
}

// brokenWriter fails every write, like a connection reset by the client.
type brokenWriter struct {
	header  http.Header
	writes  int
	flushes int
}

func (b *brokenWriter) Header() http.Header {
	if b.header == nil {
		b.header = http.Header{}
	}
	return b.header
}

func (b *brokenWriter) Write([]byte) (int, error) {
	b.writes++
	return 0, errors.New("broken pipe")
}

func (b *brokenWriter) WriteHeader(int) {}

func (b *brokenWriter) Flush() { b.flushes++ }

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestSSEWriter_Format(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Emit(context.Background(), stream.TextDelta("hello")))
	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.Emit(context.Background(), stream.ErrorEvent(stream.ErrorUpstream, "quota")))

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 3)

	lines := strings.Split(frames[0], "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "event: text", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "data: "))

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &payload))
	assert.Equal(t, "text", payload["type"])
	assert.Equal(t, "hello", payload["text"])
	assert.NotEmpty(t, payload["id"])
	assert.NotZero(t, payload["created_at"])

	assert.Equal(t, ": ping", frames[1])

	assert.True(t, strings.HasPrefix(frames[2], "event: error\n"))
	assert.Contains(t, frames[2], `"kind":"UpstreamFailure"`)
	assert.True(t, rec.Flushed)
}

func TestSSEWriter_EventIDsAreUnique(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Emit(context.Background(), stream.TextDelta("a")))
	require.NoError(t, w.Emit(context.Background(), stream.DoneEvent()))

	ids := map[string]bool{}
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev wireEvent
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			ids[ev.ID] = true
		}
	}
	assert.Len(t, ids, 2)
}

func TestSSEWriter_CancelledContext(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, w.Emit(ctx, stream.DoneEvent()), context.Canceled)
	assert.Empty(t, rec.Body.String())
}

func TestSSEWriter_FailureIsSticky(t *testing.T) {
	bw := &brokenWriter{}
	w, err := NewSSEWriter(bw)
	require.NoError(t, err)

	first := w.Emit(context.Background(), stream.TextDelta("x"))
	require.Error(t, first)

	assert.Equal(t, first, w.Emit(context.Background(), stream.DoneEvent()))
	assert.Equal(t, first, w.WriteKeepAlive())
	assert.Equal(t, 1, bw.writes, "no writes after the first failure")
	assert.Zero(t, bw.flushes)
}

// TestSSEWriter_NothingAfterTerminal verifies keepalives and events are
// refused once Done or Error has been written.
func TestSSEWriter_NothingAfterTerminal(t *testing.T) {
	for _, terminal := range []stream.Event{stream.DoneEvent(), stream.ErrorEvent(stream.ErrorUpstream, "quota")} {
		t.Run(string(terminal.Kind), func(t *testing.T) {
			rec := httptest.NewRecorder()
			w, err := NewSSEWriter(rec)
			require.NoError(t, err)

			require.NoError(t, w.WriteKeepAlive())
			require.NoError(t, w.Emit(context.Background(), terminal))
			body := rec.Body.String()

			assert.ErrorIs(t, w.WriteKeepAlive(), ErrStreamClosed)
			assert.ErrorIs(t, w.Emit(context.Background(), stream.TextDelta("late")), ErrStreamClosed)
			assert.Equal(t, body, rec.Body.String())
			assert.True(t, strings.HasPrefix(body, ": ping\n\nevent: "+string(terminal.Kind)+"\n"))
		})
	}
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}
