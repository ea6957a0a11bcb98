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
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/tidwall/gjson"
)

// DefaultAssistTimeout bounds one streamAssist call. The whole answer is
// generated before the response arrives, so it is longer than the
// client's default request timeout.
const DefaultAssistTimeout = 5 * time.Minute

// AssistUpstream is the batch adapter variant. Upstream answers with the
// complete list of response chunks at once; the adapter replays them.
type AssistUpstream struct {
	client  *discovery.Client
	target  discovery.Target
	params  discovery.AssistParams
	timeout time.Duration
}

// AssistOption configures an AssistUpstream.
type AssistOption func(*AssistUpstream)

// WithAssistTimeout replaces DefaultAssistTimeout. Zero keeps the
// default; a negative value bounds the call only by the request context.
func WithAssistTimeout(d time.Duration) AssistOption {
	return func(u *AssistUpstream) {
		if d != 0 {
			u.timeout = d
		}
	}
}

// NewAssistUpstream creates the batch adapter for target.
func NewAssistUpstream(client *discovery.Client, target discovery.Target, params discovery.AssistParams, opts ...AssistOption) *AssistUpstream {
	u := &AssistUpstream{client: client, target: target, params: params, timeout: DefaultAssistTimeout}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Open performs the streamAssist call and buffers the whole response.
//
// # Description
//
// The session is taken from the continuation token, then the session
// hint, and otherwise a new session is requested. The response is either
// a JSON array of chunks or a single chunk object. Anything else is
// replayed as one unrecognized fragment so the relay reports it as an
// internal failure.
//
// # Outputs
//
//   - FragmentSource: In-memory replay of the chunks.
//   - error: *ConnectionError when the call fails.
//
// # Limitations
//
//   - The first fragment is available only after the complete response
//     has arrived.
func (u *AssistUpstream) Open(ctx context.Context, q Query) (FragmentSource, error) {
	if err := u.target.ValidateEngine(); err != nil {
		return nil, &ConnectionError{Op: "streamAssist", Err: err}
	}

	token := q.ContinuationToken
	if token == "" {
		token = q.SessionHint
	}
	var raw json.RawMessage
	err := u.client.DoJSON(ctx, discovery.Call{
		API:     "streamAssist",
		Target:  u.target,
		Method:  http.MethodPost,
		Version: discovery.VersionV1Alpha,
		Path:    u.target.AssistantPath(u.params.AssistantID) + ":streamAssist",
		Body:    discovery.AssistRequestBody(u.target, u.params, q.Text, discovery.SessionResource(u.target, token)),
		Timeout: u.timeout,
	}, &raw)
	if err != nil {
		return nil, &ConnectionError{Op: "streamAssist", Err: err}
	}
	return newReplaySource(splitChunks(raw)), nil
}

// splitChunks turns the buffered body into fragments.
func splitChunks(raw []byte) []Fragment {
	if len(raw) == 0 {
		return nil
	}
	doc := gjson.ParseBytes(raw)
	switch {
	case !gjson.ValidBytes(raw):
		return []Fragment{{Shape: ShapeUnknown, Raw: raw}}
	case doc.IsArray():
		items := doc.Array()
		frags := make([]Fragment, 0, len(items))
		for _, item := range items {
			frags = append(frags, Fragment{Shape: ShapeAssist, Raw: []byte(item.Raw)})
		}
		return frags
	case doc.IsObject():
		return []Fragment{{Shape: ShapeAssist, Raw: raw}}
	default:
		return []Fragment{{Shape: ShapeUnknown, Raw: raw}}
	}
}

// replaySource yields buffered fragments in order.
type replaySource struct {
	items []Fragment
	pos   int
}

func newReplaySource(items []Fragment) *replaySource {
	return &replaySource{items: items}
}

func (s *replaySource) Next(ctx context.Context) (Fragment, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if s.pos >= len(s.items) {
		return Fragment{}, io.EOF
	}
	f := s.items[s.pos]
	s.items[s.pos] = Fragment{}
	s.pos++
	return f, nil
}

func (s *replaySource) Close() error {
	s.items = nil
	s.pos = 0
	return nil
}
