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
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrUnrecognizedFragment is returned for a fragment whose shape the
// normalizer does not handle.
var ErrUnrecognizedFragment = errors.New("unrecognized fragment shape")

// ErrMalformedFragment is returned for a fragment whose payload is not
// valid JSON.
var ErrMalformedFragment = errors.New("malformed fragment payload")

// Normalize decomposes one raw fragment into canonical events.
//
// # Description
//
// Content is recognized by the presence of structural markers in the
// payload. Within a fragment, events come out in this order:
//
//  1. TextDelta (generated text)
//  2. SearchResults
//  3. SessionInfo
//
// A fragment that carries an error marker, or the adapter failure
// sentinel, yields a single UpstreamFailure error event and nothing else.
// A fragment with no recognized content yields no events.
//
// # Inputs
//
//   - f: Raw fragment from an adapter.
//
// # Outputs
//
//   - []Event: Events in emission order. Never contains Done.
//   - error: ErrUnrecognizedFragment or ErrMalformedFragment. The relay
//     turns these into an InternalFailure terminal event.
//
// # Limitations
//
//   - Pure function. Session tracking across fragments is done by
//     SessionExtractor, not here.
func Normalize(f Fragment) ([]Event, error) {
	switch f.Shape {
	case ShapeFailure:
		return []Event{ErrorEvent(ErrorUpstream, f.Failure)}, nil
	case ShapeConverse:
		doc, err := parseFragment(f)
		if err != nil {
			return nil, err
		}
		return normalizeConverse(doc), nil
	case ShapeAssist:
		doc, err := parseFragment(f)
		if err != nil {
			return nil, err
		}
		return normalizeAssist(doc), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedFragment, f.Shape)
	}
}

func parseFragment(f Fragment) (gjson.Result, error) {
	if !gjson.ValidBytes(f.Raw) {
		return gjson.Result{}, fmt.Errorf("%w: %s fragment", ErrMalformedFragment, f.Shape)
	}
	doc := gjson.ParseBytes(f.Raw)
	if !doc.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: %s fragment is not an object", ErrMalformedFragment, f.Shape)
	}
	return doc, nil
}

// =============================================================================
// Converse (incremental) shape
// =============================================================================

func normalizeConverse(doc gjson.Result) []Event {
	if ev, ok := upstreamError(doc); ok {
		return []Event{ev}
	}

	var events []Event

	text := doc.Get("reply.summary.summaryText")
	if !text.Exists() {
		text = doc.Get("reply.reply")
	}
	if text.String() != "" {
		events = append(events, TextDelta(text.String()))
	}

	if results := doc.Get("searchResults"); results.IsArray() {
		items := make([]SearchResult, 0, len(results.Array()))
		for _, r := range results.Array() {
			items = append(items, converseResult(r))
		}
		if len(items) > 0 {
			events = append(events, ResultsEvent(items))
		}
	}

	if info, ok := sessionFromFragment(ShapeConverse, doc); ok {
		events = append(events, SessionEvent(info))
	}
	return events
}

func converseResult(r gjson.Result) SearchResult {
	var item SearchResult
	id := r.Get("document.id")
	if !id.Exists() || id.String() == "" {
		id = r.Get("id")
	}
	if id.Exists() && id.String() != "" {
		s := id.String()
		item.ID = &s
	}
	title := r.Get("document.structData.title")
	if !title.Exists() {
		title = r.Get("document.derivedStructData.title")
	}
	item.Title = title.String()
	return item
}

// =============================================================================
// Assist (batch) shape
// =============================================================================

func normalizeAssist(doc gjson.Result) []Event {
	if ev, ok := upstreamError(doc); ok {
		return []Event{ev}
	}

	var events []Event
	var text strings.Builder
	var items []SearchResult

	for _, reply := range doc.Get("answer.replies").Array() {
		content := reply.Get("groundedContent.content")
		if !content.Get("thought").Bool() {
			text.WriteString(content.Get("text").String())
		}
		for _, ref := range reply.Get("groundedContent.textGroundingMetadata.references").Array() {
			items = append(items, assistResult(ref.Get("documentMetadata")))
		}
	}

	if text.Len() > 0 {
		events = append(events, TextDelta(text.String()))
	}
	if len(items) > 0 {
		events = append(events, ResultsEvent(items))
	}
	if info, ok := sessionFromFragment(ShapeAssist, doc); ok {
		events = append(events, SessionEvent(info))
	}
	return events
}

func assistResult(meta gjson.Result) SearchResult {
	var item SearchResult
	if doc := meta.Get("document").String(); doc != "" {
		id := lastSegment(doc)
		item.ID = &id
	}
	item.Title = meta.Get("title").String()
	return item
}

// =============================================================================
// Shared markers
// =============================================================================

// defaultUpstreamErrorMessage is used when an error marker carries no text.
const defaultUpstreamErrorMessage = "upstream reported an error"

// upstreamError detects an explicit error marker in a fragment.
//
// A null, empty string or empty object error field is not a marker.
func upstreamError(doc gjson.Result) (Event, bool) {
	e := doc.Get("error")
	if !e.Exists() || e.Type == gjson.Null {
		return Event{}, false
	}
	var msg string
	switch {
	case e.IsObject():
		if len(e.Map()) == 0 {
			return Event{}, false
		}
		msg = e.Get("message").String()
		if msg == "" {
			msg = e.Get("status").String()
		}
	case e.Type == gjson.String:
		if e.String() == "" {
			return Event{}, false
		}
		msg = e.String()
	default:
		msg = e.Raw
	}
	if strings.TrimSpace(msg) == "" {
		msg = defaultUpstreamErrorMessage
	}
	return ErrorEvent(ErrorUpstream, msg), true
}

// sessionFromFragment extracts continuation metadata from a parsed fragment.
func sessionFromFragment(shape Shape, doc gjson.Result) (SessionInfo, bool) {
	var name string
	switch shape {
	case ShapeConverse:
		name = doc.Get("conversation.name").String()
	case ShapeAssist:
		name = doc.Get("sessionInfo.session").String()
	}
	if name == "" {
		return SessionInfo{}, false
	}
	id := lastSegment(name)
	if id == "" || id == "-" {
		return SessionInfo{}, false
	}
	return SessionInfo{SessionID: id, ContinuationToken: name}, true
}

func lastSegment(name string) string {
	name = strings.TrimRight(name, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
