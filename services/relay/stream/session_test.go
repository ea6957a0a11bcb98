// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionExtractor_EmptyBeforeObservation verifies Current reports
// nothing before a session is seen.
func TestSessionExtractor_EmptyBeforeObservation(t *testing.T) {
	var x SessionExtractor
	_, ok := x.Current()
	assert.False(t, ok)
}

// TestSessionExtractor_LastWins verifies the most recent session replaces
// earlier ones and fragments without metadata keep it.
func TestSessionExtractor_LastWins(t *testing.T) {
	var x SessionExtractor

	x.Observe(converseFragment(`{"conversation":{"name":"c/conversations/first"}}`))
	x.Observe(converseFragment(`{"conversation":{"name":"c/conversations/second"}}`))
	x.Observe(converseFragment(`{"reply":{"summary":{"summaryText":"no session here"}}}`))

	info, ok := x.Current()
	require.True(t, ok)
	assert.Equal(t, "second", info.SessionID)
	assert.Equal(t, "c/conversations/second", info.ContinuationToken)
}

// TestSessionExtractor_AssistShape verifies sessionInfo.session is read.
func TestSessionExtractor_AssistShape(t *testing.T) {
	var x SessionExtractor
	x.Observe(assistFragment(`{"sessionInfo":{"session":"e/sessions/abc"}}`))

	info, ok := x.Current()
	require.True(t, ok)
	assert.Equal(t, "abc", info.SessionID)
}

// TestSessionExtractor_IgnoresJunk verifies Observe never fails on
// sentinels or malformed payloads.
func TestSessionExtractor_IgnoresJunk(t *testing.T) {
	var x SessionExtractor

	assert.NotPanics(t, func() {
		x.Observe(FailureFragment("boom"))
		x.Observe(converseFragment(`{not json`))
		x.Observe(Fragment{Shape: ShapeUnknown, Raw: []byte(`{"conversation":{"name":"a/b"}}`)})
		x.Observe(Fragment{})
	})

	_, ok := x.Current()
	assert.False(t, ok)
}
