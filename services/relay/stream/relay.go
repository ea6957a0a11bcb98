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
	"io"
	"log/slog"
)

// =============================================================================
// Interface Definitions
// =============================================================================

// Sink receives the ordered canonical events of one stream.
//
// # Description
//
// Emit hands one event to the transport as an independently flushable
// unit. The relay does not pull the next fragment until Emit returns, so a
// blocking sink applies backpressure to the upstream read.
//
// An Emit error means the consumer is gone. The relay stops and writes
// nothing further, including the terminal event.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Observer receives relay progress notifications, typically for metrics.
// All methods are called from the relay's goroutine.
type Observer interface {
	FragmentReceived(shape Shape)
	EventEmitted(kind EventKind)
}

// =============================================================================
// State
// =============================================================================

// State is the relay lifecycle state.
type State int

const (
	// StateIdle is a relay that has not run yet.
	StateIdle State = iota

	// StateStreaming covers opening the upstream and pulling fragments.
	StateStreaming

	// StateTerminating is entered when the terminal event is decided.
	StateTerminating

	// StateClosed is a relay whose source and buffers are released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrRelayReused is returned when Run is called on a relay that already ran.
var ErrRelayReused = errors.New("relay already used")

// errPanic wraps a recovered panic from adapter or normalizer code.
var errPanic = errors.New("recovered panic")

// internalFailureMessage is the client-facing text for InternalFailure.
// The underlying error is logged, not sent.
const internalFailureMessage = "internal error while processing the upstream response"

// relayState is owned by one Run call and released at the terminal event.
type relayState struct {
	fragmentsSeen int
	eventsEmitted int
	lastSession   *SessionInfo
	terminated    bool
}

// Outcome summarizes a finished Run.
type Outcome struct {
	// Terminal is the terminal event written to the sink. Zero when the
	// run was cancelled or the sink failed before a terminal event.
	Terminal Event

	// Fragments is the number of raw fragments pulled from upstream.
	Fragments int

	// Events is the number of events accepted by the sink.
	Events int
}

// =============================================================================
// Relay
// =============================================================================

// Relay drives one conversational query from upstream to a sink.
//
// # Description
//
// A Relay is single use: it handles exactly one Query for its lifetime and
// is discarded afterwards. It moves through Idle → Streaming → Terminating
// → Closed and writes exactly one terminal event (Done or Error) as the
// last event, unless the caller cancels or the sink goes away.
//
// # Thread Safety
//
// Not safe for concurrent use. Separate queries use separate relays; the
// only shared value is the read-only Upstream.
type Relay struct {
	upstream  Upstream
	logger    *slog.Logger
	observer  Observer
	state     State
	rs        *relayState
	extractor SessionExtractor
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver registers progress callbacks.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		r.observer = o
	}
}

// NewRelay creates a relay for one query against upstream.
//
// # Inputs
//
//   - upstream: The adapter variant selected by the caller. Must not be nil.
//   - opts: Optional logger and observer.
//
// # Outputs
//
//   - *Relay: Relay in the Idle state.
func NewRelay(upstream Upstream, opts ...Option) *Relay {
	if upstream == nil {
		panic("stream.NewRelay: upstream must not be nil")
	}
	r := &Relay{
		upstream: upstream,
		logger:   slog.Default(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	return r.state
}

// Run relays q from upstream to sink.
//
// # Description
//
// Opens the upstream, then for every fragment feeds the session extractor,
// normalizes it, and emits the resulting events in order. The stream ends
// with:
//
//   - Done, after a final SessionInfo if one was observed but not yet
//     emitted, when the fragments are exhausted without error;
//   - Error(UpstreamFailure) when a fragment carries an error marker;
//   - Error(AdapterConnectionFailure) when the call cannot be established
//     or the query is malformed;
//   - Error(InternalFailure) when adapter, normalizer, or extractor code
//     fails or panics.
//
// # Outputs
//
//   - Outcome: Terminal event and counters.
//   - error: nil whenever a terminal event was delivered, including Error
//     terminals. ctx.Err() on cancellation, a wrapped sink error when the
//     consumer went away, ErrRelayReused on a second call.
//
// # Limitations
//
//   - Never retries. A new query needs a new relay.
func (r *Relay) Run(ctx context.Context, q Query, sink Sink) (Outcome, error) {
	if r.state != StateIdle {
		return Outcome{}, ErrRelayReused
	}
	r.state = StateStreaming
	r.rs = &relayState{}
	defer r.release()

	if err := ctx.Err(); err != nil {
		return r.outcome(Event{}), err
	}

	if err := q.Validate(); err != nil {
		return r.terminate(ctx, sink, ErrorEvent(ErrorAdapterConnection, err.Error()))
	}

	src, err := r.open(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return r.outcome(Event{}), ctx.Err()
		}
		if errors.Is(err, errPanic) {
			r.logger.Error("upstream open panicked", "error", err)
			return r.terminate(ctx, sink, ErrorEvent(ErrorInternal, internalFailureMessage))
		}
		r.logger.Warn("upstream connection failed", "error", err)
		return r.terminate(ctx, sink, ErrorEvent(ErrorAdapterConnection, err.Error()))
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			r.logger.Debug("close upstream source", "error", cerr)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return r.outcome(Event{}), err
		}

		frag, err := r.pull(ctx, src)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.outcome(Event{}), ctx.Err()
			}
			var connErr *ConnectionError
			if errors.As(err, &connErr) && r.rs.fragmentsSeen == 0 {
				r.logger.Warn("upstream connection failed", "error", err)
				return r.terminate(ctx, sink, ErrorEvent(ErrorAdapterConnection, err.Error()))
			}
			r.logger.Error("upstream source failed", "error", err, "fragments", r.rs.fragmentsSeen)
			return r.terminate(ctx, sink, ErrorEvent(ErrorInternal, internalFailureMessage))
		}

		r.rs.fragmentsSeen++
		if r.observer != nil {
			r.observer.FragmentReceived(frag.Shape)
		}

		events, err := r.process(frag)
		if err != nil {
			r.logger.Error("fragment normalization failed",
				"error", err,
				"shape", frag.Shape.String(),
				"fragment", r.rs.fragmentsSeen,
			)
			return r.terminate(ctx, sink, ErrorEvent(ErrorInternal, internalFailureMessage))
		}

		for _, ev := range events {
			if ev.Kind == EventError {
				return r.terminate(ctx, sink, ev)
			}
			if ev.Kind == EventSession && r.sameAsLastSession(ev.Session) {
				continue
			}
			if err := r.emit(ctx, sink, ev); err != nil {
				return r.outcome(Event{}), err
			}
		}
	}

	r.state = StateTerminating
	if info, ok := r.extractor.Current(); ok && !r.sameAsLastSession(&info) {
		if err := r.emit(ctx, sink, SessionEvent(info)); err != nil {
			return r.outcome(Event{}), err
		}
	}
	return r.terminate(ctx, sink, DoneEvent())
}

// =============================================================================
// Private Methods
// =============================================================================

// open calls the upstream adapter, converting a panic into errPanic.
func (r *Relay) open(ctx context.Context, q Query) (src FragmentSource, err error) {
	defer func() {
		if p := recover(); p != nil {
			src, err = nil, fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	return r.upstream.Open(ctx, q)
}

// pull is the relay's single suspension point.
func (r *Relay) pull(ctx context.Context, src FragmentSource) (frag Fragment, err error) {
	defer func() {
		if p := recover(); p != nil {
			frag, err = Fragment{}, fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	return src.Next(ctx)
}

// process feeds the extractor, then the normalizer.
func (r *Relay) process(frag Fragment) (events []Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			events, err = nil, fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	r.extractor.Observe(frag)
	return Normalize(frag)
}

func (r *Relay) emit(ctx context.Context, sink Sink, ev Event) error {
	if err := sink.Emit(ctx, ev); err != nil {
		r.logger.Info("sink rejected event, abandoning stream",
			"error", err,
			"kind", string(ev.Kind),
			"events", r.rs.eventsEmitted,
		)
		return fmt.Errorf("emit %s: %w", ev.Kind, err)
	}
	r.rs.eventsEmitted++
	if ev.Kind == EventSession && ev.Session != nil {
		s := *ev.Session
		r.rs.lastSession = &s
	}
	if r.observer != nil {
		r.observer.EventEmitted(ev.Kind)
	}
	return nil
}

// terminate writes the single terminal event.
func (r *Relay) terminate(ctx context.Context, sink Sink, ev Event) (Outcome, error) {
	r.state = StateTerminating
	if err := r.emit(ctx, sink, ev); err != nil {
		return r.outcome(Event{}), err
	}
	r.rs.terminated = true
	return r.outcome(ev), nil
}

func (r *Relay) sameAsLastSession(info *SessionInfo) bool {
	return info != nil && r.rs.lastSession != nil && *r.rs.lastSession == *info
}

func (r *Relay) outcome(terminal Event) Outcome {
	return Outcome{
		Terminal:  terminal,
		Fragments: r.rs.fragmentsSeen,
		Events:    r.rs.eventsEmitted,
	}
}

func (r *Relay) release() {
	r.rs = nil
	r.state = StateClosed
}
