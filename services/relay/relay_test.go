// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/config"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func testConfig(baseURL string) config.Config {
	return config.Config{
		Server: config.ServerConfig{GinMode: "test"},
		Discovery: config.DiscoveryConfig{
			Target:  discovery.Target{ProjectNumber: "123", EngineID: "eng"},
			BaseURL: baseURL,
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: -1},
	}
}

func newTestService(t *testing.T, cfg config.Config) (Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc, err := New(cfg, Options{
		Tokens:     discovery.StaticToken("test-token"),
		Registerer: reg,
		Gatherer:   reg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return svc, reg
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.Server.Port = 70000

	_, err := New(cfg, Options{Tokens: discovery.StaticToken("x")})

	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestService_Health(t *testing.T) {
	svc, _ := newTestService(t, testConfig(""))

	w := do(svc.Handler(), http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotNil(t, svc.Router())
}

func TestService_MetricsDisabled(t *testing.T) {
	cfg := testConfig("")
	cfg.Telemetry.DisableMetrics = true
	svc, _ := newTestService(t, cfg)

	w := do(svc.Handler(), http.MethodGet, "/metrics", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Middleware Wiring Tests
// =============================================================================

func TestService_APIKeysProtectV1Only(t *testing.T) {
	cfg := testConfig("")
	cfg.Server.APIKeys = []string{"secret"}
	svc, _ := newTestService(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, do(svc.Handler(), http.MethodGet, "/v1/engines", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(svc.Handler(), http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(svc.Handler(), http.MethodGet, "/metrics", "", nil).Code)
}

func TestService_CORSPreflight(t *testing.T) {
	cfg := testConfig("")
	cfg.Server.APIKeys = []string{"secret"}
	svc, _ := newTestService(t, cfg)

	w := do(svc.Handler(), http.MethodOptions, "/v1/conversations/stream", "", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": http.MethodPost,
	})

	assert.Less(t, w.Code, 300, "preflight answered before auth")
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(svc.Handler(), http.MethodOptions, "/v1/conversations/stream", "", map[string]string{
		"Origin":                        "http://evil.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestService_RateLimit(t *testing.T) {
	cfg := testConfig("")
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1}
	svc, _ := newTestService(t, cfg)

	assert.Equal(t, http.StatusOK, do(svc.Handler(), http.MethodGet, "/v1/notebooks/nb/url", "", nil).Code)
	w := do(svc.Handler(), http.MethodGet, "/v1/notebooks/nb/url", "", nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

// =============================================================================
// End-to-End Tests
// =============================================================================

// TestService_ConverseStreamEndToEnd runs one incremental stream against a
// fake upstream and checks the SSE body and the recorded metrics.
func TestService_ConverseStreamEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"reply\":{\"summary\":{\"summaryText\":\"Hello\"}}}\n\n")
		fmt.Fprint(w, "data: {\"conversation\":{\"name\":\"projects/123/locations/us/conversations/s1\"}}\n\n")
	}))
	t.Cleanup(upstream.Close)

	svc, reg := newTestService(t, testConfig(upstream.URL))

	w := do(svc.Handler(), http.MethodPost, "/v1/conversations/stream", `{"query":"hi"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	body := w.Body.String()
	assert.Contains(t, body, "event: text\n")
	assert.Contains(t, body, `"text":"Hello"`)
	assert.Contains(t, body, "event: session\n")
	assert.Contains(t, body, `"session_id":"s1"`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
	assert.Equal(t, 1, strings.Count(body, "event: done\n"))
	assert.NotContains(t, body, "event: error\n")

	metrics := do(svc.Handler(), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `discovery_relay_stream_started_total{variant="incremental"} 1`)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

// TestService_StreamUpstreamFailure verifies an upstream refusal ends the
// stream with exactly one error event.
func TestService_StreamUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"permission denied"}}`)
	}))
	t.Cleanup(upstream.Close)

	svc, _ := newTestService(t, testConfig(upstream.URL))

	w := do(svc.Handler(), http.MethodPost, "/v1/assist/stream", `{"query":"hi"}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: error\n"))
	assert.NotContains(t, body, "event: done\n")
	assert.Contains(t, body, "AdapterConnectionFailure")
}
