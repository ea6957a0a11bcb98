// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream implements the streaming conversation relay.
//
// The relay opens a conversational query against Discovery Engine through
// one of two upstream adapters, normalizes every raw fragment into
// canonical events, and writes them to a Sink in arrival order, finishing
// with exactly one terminal event.
//
//	Query ──► Upstream.Open ──► FragmentSource.Next ──┐
//	                                                  │ per fragment
//	                 SessionExtractor.Observe ◄───────┤
//	                 Normalize ───────────────────────┘
//	                    │
//	                    ▼
//	               Relay.Run ──► Sink.Emit (text, results, session ... done|error)
//
// # Variants
//
//   - ConverseUpstream: incremental delivery. Fragments are decoded from
//     the response body as the server writes them.
//   - AssistUpstream: batch delivery. The full fragment list arrives in one
//     response and is replayed one element at a time.
//
// Downstream code never sees which variant produced a fragment.
package stream

import "fmt"

// =============================================================================
// Event Kinds
// =============================================================================

// EventKind tags a canonical event so the transport can serialize it.
type EventKind string

const (
	// EventText carries a piece of generated answer text.
	EventText EventKind = "text"

	// EventSession carries session and continuation metadata.
	EventSession EventKind = "session"

	// EventResults carries the ordered search results list.
	EventResults EventKind = "results"

	// EventDone is the terminal event of a successful stream.
	EventDone EventKind = "done"

	// EventError is the terminal event of a failed stream.
	EventError EventKind = "error"
)

// ErrorKind is the machine-checkable class of a terminal error.
type ErrorKind string

const (
	// ErrorAdapterConnection means the remote call could not be established
	// at all: authentication, network, or a malformed query.
	ErrorAdapterConnection ErrorKind = "AdapterConnectionFailure"

	// ErrorUpstream means the remote call started but reported failure
	// mid-stream or returned an explicit error fragment.
	ErrorUpstream ErrorKind = "UpstreamFailure"

	// ErrorInternal means normalization or extraction logic failed.
	ErrorInternal ErrorKind = "InternalFailure"
)

// =============================================================================
// Event Payloads
// =============================================================================

// SearchResult is one entry of a results event.
//
// ID is nil when upstream did not identify the document. Title is empty
// when upstream did not provide one.
type SearchResult struct {
	ID    *string `json:"id"`
	Title string  `json:"title"`
}

// SessionInfo is the continuation metadata of a conversation.
//
// SessionID is the short identifier (last path segment). ContinuationToken
// is the full upstream resource name a follow-up query passes back.
type SessionInfo struct {
	SessionID         string `json:"session_id"`
	ContinuationToken string `json:"continuation_token"`
}

// Event is one normalized, transport-agnostic unit of a relayed stream.
//
// Only the payload field matching Kind is meaningful.
type Event struct {
	Kind    EventKind      `json:"type"`
	Text    string         `json:"text,omitempty"`
	Session *SessionInfo   `json:"session,omitempty"`
	Results []SearchResult `json:"results,omitempty"`
	Error   *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail is the payload of a terminal error event.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// String renders the event for logs and test failure output.
func (e Event) String() string {
	switch e.Kind {
	case EventText:
		return fmt.Sprintf("TextDelta(%q)", e.Text)
	case EventSession:
		if e.Session == nil {
			return "SessionInfo(<nil>)"
		}
		return fmt.Sprintf("SessionInfo(%q)", e.Session.SessionID)
	case EventResults:
		return fmt.Sprintf("SearchResults(%d)", len(e.Results))
	case EventDone:
		return "Done"
	case EventError:
		if e.Error == nil {
			return "Error(<nil>)"
		}
		return fmt.Sprintf("Error(%s,%q)", e.Error.Kind, e.Error.Message)
	default:
		return fmt.Sprintf("Event(%s)", e.Kind)
	}
}

// =============================================================================
// Constructors
// =============================================================================

// TextDelta builds a text event.
func TextDelta(text string) Event {
	return Event{Kind: EventText, Text: text}
}

// SessionEvent builds a session metadata event.
func SessionEvent(info SessionInfo) Event {
	return Event{Kind: EventSession, Session: &info}
}

// ResultsEvent builds a search results event.
func ResultsEvent(items []SearchResult) Event {
	return Event{Kind: EventResults, Results: items}
}

// DoneEvent builds the successful terminal event.
func DoneEvent() Event {
	return Event{Kind: EventDone}
}

// ErrorEvent builds a failed terminal event.
func ErrorEvent(kind ErrorKind, message string) Event {
	return Event{Kind: EventError, Error: &ErrorDetail{Kind: kind, Message: message}}
}
