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
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Query
// =============================================================================

// Query is one conversational query submitted to an Upstream.
//
// A Query is created per client request and never reused.
type Query struct {
	// Text is the user's question. Must not be empty.
	Text string

	// ContinuationToken resumes a prior remote conversation. It is the
	// value a previous stream surfaced in SessionInfo.ContinuationToken,
	// or a bare conversation/session ID.
	ContinuationToken string

	// SessionHint is an optional opaque session identifier. The converse
	// variant forwards it as the user pseudo ID; the assist variant uses it
	// as the session when no continuation token is set.
	SessionHint string
}

// ErrEmptyQuery is returned for a query without text.
var ErrEmptyQuery = errors.New("query text is empty")

// Validate checks the query before it is sent upstream.
func (q Query) Validate() error {
	if q.Text == "" {
		return ErrEmptyQuery
	}
	return nil
}

// =============================================================================
// Fragment
// =============================================================================

// Shape identifies which upstream wire shape a fragment carries.
//
// The set is closed: the normalizer handles each value explicitly and maps
// ShapeUnknown to an internal failure.
type Shape int

const (
	// ShapeUnknown is an unrecognized payload.
	ShapeUnknown Shape = iota

	// ShapeConverse is one ConverseConversationResponse chunk from the
	// incremental variant.
	ShapeConverse

	// ShapeAssist is one StreamAssistResponse element from the batch variant.
	ShapeAssist

	// ShapeFailure is the sentinel an adapter yields when the remote call
	// fails after fragments were already delivered.
	ShapeFailure
)

// String returns the shape name used in logs and metrics labels.
func (s Shape) String() string {
	switch s {
	case ShapeConverse:
		return "converse"
	case ShapeAssist:
		return "assist"
	case ShapeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Fragment is one raw upstream fragment.
//
// Raw holds the JSON payload exactly as received. Failure is set only for
// ShapeFailure. Fragments are never mutated after an adapter yields them.
type Fragment struct {
	Shape   Shape
	Raw     []byte
	Failure string
}

// FailureFragment builds the adapter sentinel for a mid-stream failure.
func FailureFragment(message string) Fragment {
	return Fragment{Shape: ShapeFailure, Failure: message}
}

// =============================================================================
// Upstream Adapter Contract
// =============================================================================

// Upstream opens a conversational query against the remote platform.
//
// # Description
//
// Open issues the remote call. If the call cannot be established it
// returns a *ConnectionError and no source. Otherwise the returned source
// yields the fragments of this one query.
//
// # Thread Safety
//
// Implementations hold only read-only configuration and may be shared by
// concurrent relays. Each Open returns an independent source.
type Upstream interface {
	Open(ctx context.Context, q Query) (FragmentSource, error)
}

// FragmentSource is a lazy, finite, non-restartable fragment sequence.
//
// # Description
//
// Next returns the next fragment, io.EOF once the sequence is exhausted, or
// the context error when ctx is cancelled. A failure after fragments were
// delivered is reported as a ShapeFailure fragment followed by io.EOF, never
// as a silent stop. A failure before any fragment is a *ConnectionError.
//
// Close releases the underlying call resources. It is safe to call more
// than once and must be called on every exit path.
//
// # Thread Safety
//
// Not safe for concurrent use. A source has a single consumer.
type FragmentSource interface {
	Next(ctx context.Context) (Fragment, error)
	Close() error
}

// ConnectionError reports that the remote call could not be established.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
