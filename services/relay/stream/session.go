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

import "github.com/tidwall/gjson"

// SessionExtractor remembers the most recent session identifier seen across
// the fragments of one query.
//
// Upstream attaches session metadata to some fragments only, often just the
// last one, so the relay asks the extractor once the stream is exhausted.
// An extractor belongs to one relay and is not safe for concurrent use.
type SessionExtractor struct {
	latest *SessionInfo
}

// Observe inspects a fragment for session metadata. It never fails:
// fragments without metadata, sentinels, and malformed payloads are
// ignored.
func (x *SessionExtractor) Observe(f Fragment) {
	if f.Shape != ShapeConverse && f.Shape != ShapeAssist {
		return
	}
	if !gjson.ValidBytes(f.Raw) {
		return
	}
	if info, ok := sessionFromFragment(f.Shape, gjson.ParseBytes(f.Raw)); ok {
		x.latest = &info
	}
}

// Current returns the latest session seen so far. ok is false before any
// session has been observed.
func (x *SessionExtractor) Current() (info SessionInfo, ok bool) {
	if x.latest == nil {
		return SessionInfo{}, false
	}
	return *x.latest, true
}
