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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/observability"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

type sseFrame struct {
	Event string
	Data  wireEvent
}

// parseFrames decodes an SSE body into event frames, skipping comments.
func parseFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.Data))
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func kinds(frames []sseFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func newMetrics(t *testing.T) *observability.RelayMetrics {
	t.Helper()
	return observability.NewRelayMetrics(prometheus.NewRegistry())
}

// =============================================================================
// Incremental Variant
// =============================================================================

func TestHandleConverseStream_EndToEnd(t *testing.T) {
	up, srv := newFakeUpstream(t)
	up.handle(http.MethodPost, "/v1/"+testTarget.ConversationName("-")+":converse", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alt=sse", r.URL.RawQuery)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"reply\":{\"summary\":{\"summaryText\":\"Hel\"}}}\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "data: {\"reply\":{\"summary\":{\"summaryText\":\"lo\"}}}\n\n")
		fmt.Fprintf(w, "data: {\"conversation\":{\"name\":%q}}\n\n", testTarget.ConversationName("c42"))
	})
	d := newTestDeps(srv)
	d.Metrics = newMetrics(t)
	r := newRouter(d)

	w := perform(r, http.MethodPost, "/v1/conversations/stream", `{"query":"hi","session_hint":"user-7"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	frames := parseFrames(t, w.Body.String())
	assert.Equal(t, []string{"text", "text", "session", "done"}, kinds(frames))
	assert.Equal(t, "Hel", frames[0].Data.Text)
	assert.Equal(t, "lo", frames[1].Data.Text)
	require.NotNil(t, frames[2].Data.Session)
	assert.Equal(t, "c42", frames[2].Data.Session.SessionID)
	assert.Equal(t, testTarget.ConversationName("c42"), frames[2].Data.Session.ContinuationToken)

	assert.Equal(t, "user-7", up.lastBody(t)["userPseudoId"])

	m := d.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamsTotal.WithLabelValues("incremental")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("incremental")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TerminalsTotal.WithLabelValues("incremental", "done", "")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FragmentsTotal.WithLabelValues("incremental", "converse")))
}

func TestHandleConverseStream_ContinuationToken(t *testing.T) {
	up, srv := newFakeUpstream(t)
	up.json(http.MethodPost, "/v1/"+testTarget.ConversationName("c42")+":converse", http.StatusOK,
		`{"reply":{"summary":{"summaryText":"again"}}}`)
	r := newRouter(newTestDeps(srv))

	w := perform(r, http.MethodPost, "/v1/conversations/stream",
		`{"query":"more","continuation_token":"`+testTarget.ConversationName("c42")+`"}`)

	frames := parseFrames(t, w.Body.String())
	assert.Equal(t, []string{"text", "done"}, kinds(frames))
}

func TestHandleConverseStream_BadJSONIsPlain400(t *testing.T) {
	_, srv := newFakeUpstream(t)
	r := newRouter(newTestDeps(srv))

	w := perform(r, http.MethodPost, "/v1/conversations/stream", `{"query":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestHandleConverseStream_EmptyQueryIsInBand(t *testing.T) {
	up, srv := newFakeUpstream(t)
	r := newRouter(newTestDeps(srv))

	w := perform(r, http.MethodPost, "/v1/conversations/stream", `{"query":""}`)

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseFrames(t, w.Body.String())
	require.Equal(t, []string{"error"}, kinds(frames))
	assert.Equal(t, stream.ErrorAdapterConnection, frames[0].Data.Error.Kind)
	assert.Zero(t, up.count())
}

func TestHandleConverseStream_MissingEngineIsInBand(t *testing.T) {
	up, srv := newFakeUpstream(t)
	d := newTestDeps(srv)
	d.Defaults.EngineID = ""
	r := newRouter(d)

	w := perform(r, http.MethodPost, "/v1/conversations/stream", `{"query":"hi"}`)

	frames := parseFrames(t, w.Body.String())
	require.Equal(t, []string{"error"}, kinds(frames))
	assert.Equal(t, stream.ErrorAdapterConnection, frames[0].Data.Error.Kind)
	assert.Zero(t, up.count())
}

func TestHandleConverseStream_UpstreamErrorFragment(t *testing.T) {
	up, srv := newFakeUpstream(t)
	up.handle(http.MethodPost, "/v1/"+testTarget.ConversationName("-")+":converse", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"reply\":{\"summary\":{\"summaryText\":\"partial\"}}}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"code\":429,\"message\":\"quota exhausted\"}}\n\n")
		fmt.Fprint(w, "data: {\"reply\":{\"summary\":{\"summaryText\":\"never\"}}}\n\n")
	})
	d := newTestDeps(srv)
	d.Metrics = newMetrics(t)
	r := newRouter(d)

	w := perform(r, http.MethodPost, "/v1/conversations/stream", `{"query":"hi"}`)

	frames := parseFrames(t, w.Body.String())
	require.Equal(t, []string{"text", "error"}, kinds(frames))
	assert.Equal(t, stream.ErrorUpstream, frames[1].Data.Error.Kind)
	assert.Contains(t, frames[1].Data.Error.Message, "quota exhausted")
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.TerminalsTotal.WithLabelValues("incremental", "error", "UpstreamFailure")))
}

func TestHandleConverseStream_Heartbeat(t *testing.T) {
	up, srv := newFakeUpstream(t)
	up.handle(http.MethodPost, "/v1/"+testTarget.ConversationName("-")+":converse", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "data: {\"reply\":{\"summary\":{\"summaryText\":\"slow\"}}}\n\n")
	})
	d := newTestDeps(srv)
	d.Settings.HeartbeatInterval = 10 * time.Millisecond
	r := newRouter(d)

	w := perform(r, http.MethodPost, "/v1/conversations/stream", `{"query":"hi"}`)

	body := w.Body.String()
	assert.Contains(t, body, ": ping\n\n")
	assert.Equal(t, []string{"text", "done"}, kinds(parseFrames(t, body)))
	assert.True(t, strings.HasSuffix(body, "\n\n"))

	records := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	assert.True(t, strings.HasPrefix(records[len(records)-1], "event: done\n"), "the terminal event is the last record")
}

func TestHandleConverseStream_ClientGone(t *testing.T) {
	up, srv := newFakeUpstream(t)
	d := newTestDeps(srv)
	d.Metrics = newMetrics(t)
	r := newRouter(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/stream", strings.NewReader(`{"query":"hi"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Empty(t, parseFrames(t, w.Body.String()), "nothing is written for an abandoned stream")
	assert.Zero(t, up.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.ClientDisconnectsTotal.WithLabelValues("incremental")))
	assert.Equal(t, 0.0, testutil.ToFloat64(d.Metrics.ActiveStreams.WithLabelValues("incremental")))
}

// =============================================================================
// Batch Variant
// =============================================================================

func TestHandleAssistStream_EndToEnd(t *testing.T) {
	up, srv := newFakeUpstream(t)
	up.json(http.MethodPost, "/v1alpha/"+testTarget.AssistantPath("")+":streamAssist", http.StatusOK, `[
		{"answer":{"state":"IN_PROGRESS","replies":[{"groundedContent":{"content":{"text":"Draft "}}}]}},
		{"answer":{"replies":[{"groundedContent":{"content":{"text":"ready"}}}]}},
		{"sessionInfo":{"session":"`+testTarget.SessionPath("s9")+`"}}
	]`)
	d := newTestDeps(srv)
	d.Metrics = newMetrics(t)
	r := newRouter(d)

	w := perform(r, http.MethodPost, "/v1/assist/stream", `{"query":"plan","agent":"helper","generation_mode":"NORMAL"}`)

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseFrames(t, w.Body.String())
	require.Equal(t, []string{"text", "text", "session", "done"}, kinds(frames))
	assert.Equal(t, "Draft ", frames[0].Data.Text)
	assert.Equal(t, "ready", frames[1].Data.Text)
	assert.Equal(t, "s9", frames[2].Data.Session.SessionID)

	body := up.lastBody(t)
	assert.Equal(t, "NORMAL", body["answerGenerationMode"])
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.TerminalsTotal.WithLabelValues("batch", "done", "")))
}

func TestHandleAssistStream_InvalidMode(t *testing.T) {
	_, srv := newFakeUpstream(t)
	r := newRouter(newTestDeps(srv))

	w := perform(r, http.MethodPost, "/v1/assist/stream", `{"query":"q","generation_mode":"CHAOS"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
