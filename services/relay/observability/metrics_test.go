// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// newTestMetrics creates metrics on an isolated registry so tests do not
// collide on the global one.
func newTestMetrics(t *testing.T) (*RelayMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewRelayMetrics(reg), reg
}

func TestRelayMetrics_StreamLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted(VariantIncremental)
	m.StreamStarted(VariantIncremental)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamsTotal.WithLabelValues("incremental")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("incremental")))

	m.StreamEnded(VariantIncremental, "done", 150*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("incremental")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StreamDurationSeconds))
}

func TestRelayMetrics_RecordTerminal(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTerminal(VariantBatch, stream.DoneEvent())
	m.RecordTerminal(VariantBatch, stream.ErrorEvent(stream.ErrorUpstream, "quota"))
	m.RecordTerminal(VariantBatch, stream.ErrorEvent(stream.ErrorUpstream, "again"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TerminalsTotal.WithLabelValues("batch", "done", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TerminalsTotal.WithLabelValues("batch", "error", "UpstreamFailure")))
}

func TestRelayMetrics_Observer(t *testing.T) {
	m, _ := newTestMetrics(t)
	obs := m.Observer(VariantIncremental)

	obs.FragmentReceived(stream.ShapeConverse)
	obs.FragmentReceived(stream.ShapeConverse)
	obs.FragmentReceived(stream.ShapeFailure)
	obs.EventEmitted(stream.EventText)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FragmentsTotal.WithLabelValues("incremental", "converse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FragmentsTotal.WithLabelValues("incremental", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("incremental", "text")))
}

func TestRelayMetrics_UpstreamRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.UpstreamRequest("search", 200, 20*time.Millisecond)
	m.UpstreamRequest("search", 0, time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(m.UpstreamRequestSeconds))
}

func TestRelayMetrics_DisconnectAndKeepAlive(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordClientDisconnect(VariantBatch)
	m.RecordKeepAlive(VariantBatch)
	m.RecordKeepAlive(VariantBatch)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("batch")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("batch")))
}

func TestNewRelayMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRelayMetrics(reg)
	assert.Panics(t, func() { NewRelayMetrics(reg) })
}
