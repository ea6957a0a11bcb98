// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// Metrics cover the streaming endpoints and the upstream REST calls:
//   - Streams started and currently active, by variant
//   - Raw fragments pulled, by variant and fragment shape
//   - Canonical events emitted and terminal outcomes, by kind
//   - Stream duration and client disconnects
//   - Upstream request latency, by API and status code
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. The registerer is passed
// in so tests can use an isolated prometheus.Registry.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "discovery_relay"

const (
	streamingSubsystem = "stream"
	upstreamSubsystem  = "upstream"
)

// Variant labels a streaming endpoint by the adapter variant behind it.
type Variant string

const (
	// VariantIncremental is the converse endpoint.
	VariantIncremental Variant = "incremental"

	// VariantBatch is the streamAssist endpoint.
	VariantBatch Variant = "batch"
)

// RelayMetrics holds all Prometheus metrics of the relay service.
//
// # Fields
//
//   - StreamsTotal: Streams started, by variant.
//   - ActiveStreams: Streams in flight, by variant.
//   - FragmentsTotal: Raw fragments pulled, by variant and shape.
//   - EventsTotal: Events accepted by the sink, by variant and kind.
//   - TerminalsTotal: Terminal outcomes, by variant, kind and error kind.
//   - StreamDurationSeconds: Total stream duration, by variant and outcome.
//   - ClientDisconnectsTotal: Streams abandoned by the client, by variant.
//   - KeepAlivesTotal: Keepalive comments written, by variant.
//   - UpstreamRequestSeconds: Upstream call latency, by api and code.
type RelayMetrics struct {
	StreamsTotal           *prometheus.CounterVec
	ActiveStreams          *prometheus.GaugeVec
	FragmentsTotal         *prometheus.CounterVec
	EventsTotal            *prometheus.CounterVec
	TerminalsTotal         *prometheus.CounterVec
	StreamDurationSeconds  *prometheus.HistogramVec
	ClientDisconnectsTotal *prometheus.CounterVec
	KeepAlivesTotal        *prometheus.CounterVec
	UpstreamRequestSeconds *prometheus.HistogramVec
}

// NewRelayMetrics creates and registers all relay metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. prometheus.DefaultRegisterer in production,
//     a fresh prometheus.NewRegistry() in tests.
//
// # Outputs
//
//   - *RelayMetrics: Ready-to-use metrics.
//
// # Limitations
//
//   - Panics when called twice with the same registerer (duplicate
//     registration).
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "started_total",
				Help:      "Total number of relay streams started by variant",
			},
			[]string{"variant"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active",
				Help:      "Number of relay streams currently in flight",
			},
			[]string{"variant"},
		),

		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fragments_total",
				Help:      "Total raw upstream fragments pulled by variant and shape",
			},
			[]string{"variant", "shape"},
		),

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "events_total",
				Help:      "Total canonical events written to clients by variant and kind",
			},
			[]string{"variant", "kind"},
		),

		TerminalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "terminals_total",
				Help:      "Total stream terminal outcomes by variant, kind and error kind",
			},
			[]string{"variant", "kind", "error_kind"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "duration_seconds",
				Help:      "Total relay stream duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"variant", "outcome"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total streams abandoned by the client before the terminal event",
			},
			[]string{"variant"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive comments written",
			},
			[]string{"variant"},
		),

		UpstreamRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: upstreamSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Upstream Discovery Engine request latency by api and status code",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"api", "code"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// StreamStarted counts a new stream and increments the active gauge.
func (m *RelayMetrics) StreamStarted(v Variant) {
	m.StreamsTotal.WithLabelValues(string(v)).Inc()
	m.ActiveStreams.WithLabelValues(string(v)).Inc()
}

// StreamEnded decrements the active gauge and records the duration.
//
// # Inputs
//
//   - v: Stream variant.
//   - outcome: "done", "error" or "abandoned".
//   - elapsed: Wall time since StreamStarted.
func (m *RelayMetrics) StreamEnded(v Variant, outcome string, elapsed time.Duration) {
	m.ActiveStreams.WithLabelValues(string(v)).Dec()
	m.StreamDurationSeconds.WithLabelValues(string(v), outcome).Observe(elapsed.Seconds())
}

// RecordTerminal counts a terminal event. errKind is empty for Done.
func (m *RelayMetrics) RecordTerminal(v Variant, ev stream.Event) {
	errKind := ""
	if ev.Error != nil {
		errKind = string(ev.Error.Kind)
	}
	m.TerminalsTotal.WithLabelValues(string(v), string(ev.Kind), errKind).Inc()
}

// RecordClientDisconnect counts a stream the client left early.
func (m *RelayMetrics) RecordClientDisconnect(v Variant) {
	m.ClientDisconnectsTotal.WithLabelValues(string(v)).Inc()
}

// RecordKeepAlive counts a keepalive comment.
func (m *RelayMetrics) RecordKeepAlive(v Variant) {
	m.KeepAlivesTotal.WithLabelValues(string(v)).Inc()
}

// UpstreamRequest records one upstream call. Its signature matches
// discovery.RequestHook. Code 0 means no response was received.
func (m *RelayMetrics) UpstreamRequest(api string, code int, elapsed time.Duration) {
	m.UpstreamRequestSeconds.WithLabelValues(api, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// =============================================================================
// Relay Observer
// =============================================================================

// streamObserver adapts RelayMetrics to stream.Observer for one variant.
type streamObserver struct {
	m       *RelayMetrics
	variant Variant
}

// Observer returns a stream.Observer that counts fragments and events
// under variant v.
func (m *RelayMetrics) Observer(v Variant) stream.Observer {
	return streamObserver{m: m, variant: v}
}

func (o streamObserver) FragmentReceived(shape stream.Shape) {
	o.m.FragmentsTotal.WithLabelValues(string(o.variant), shape.String()).Inc()
}

func (o streamObserver) EventEmitted(kind stream.EventKind) {
	o.m.EventsTotal.WithLabelValues(string(o.variant), string(kind)).Inc()
}

var _ stream.Observer = streamObserver{}
