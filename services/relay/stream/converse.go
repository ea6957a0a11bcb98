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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
)

// maxSSELineBytes bounds one SSE line. Upstream replies with citations can
// be long.
const maxSSELineBytes = 1 << 20

// ConverseUpstream is the incremental adapter variant. It delivers each
// response message as soon as upstream writes it.
type ConverseUpstream struct {
	client *discovery.Client
	target discovery.Target
}

// NewConverseUpstream creates the incremental adapter for target.
func NewConverseUpstream(client *discovery.Client, target discovery.Target) *ConverseUpstream {
	return &ConverseUpstream{client: client, target: target}
}

// Open starts the converse call.
//
// # Description
//
// The continuation token selects the conversation to continue (full
// resource name or bare id). The session hint is forwarded as the user
// pseudo id. The response body is read lazily by the returned source,
// either as server-sent events or as a streamed JSON array.
//
// # Outputs
//
//   - FragmentSource: Source bound to ctx. Reads fail once ctx ends.
//   - error: *ConnectionError when the call cannot be established.
func (u *ConverseUpstream) Open(ctx context.Context, q Query) (FragmentSource, error) {
	if err := u.target.ValidateEngine(); err != nil {
		return nil, &ConnectionError{Op: "converse", Err: err}
	}
	resp, err := u.client.Stream(ctx, discovery.Call{
		API:     "converse",
		Target:  u.target,
		Method:  http.MethodPost,
		Version: discovery.VersionV1,
		Path:    discovery.ConversationResource(u.target, q.ContinuationToken) + ":converse",
		Query:   url.Values{"alt": []string{"sse"}},
		Body:    discovery.ConverseRequestBody(u.target, q.Text, q.SessionHint),
	})
	if err != nil {
		return nil, &ConnectionError{Op: "converse", Err: err}
	}
	return newIncrementalSource(resp.Body, resp.Header.Get("Content-Type"), ShapeConverse), nil
}

// =============================================================================
// Incremental source
// =============================================================================

// incrementalSource decodes fragments from a response body on demand.
type incrementalSource struct {
	body      io.ReadCloser
	shape     Shape
	next      func() ([]byte, error)
	delivered int
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// newIncrementalSource picks a decoder from the content type: SSE for
// text/event-stream, otherwise JSON (an array of messages or one object).
func newIncrementalSource(body io.ReadCloser, contentType string, shape Shape) *incrementalSource {
	s := &incrementalSource{body: body, shape: shape}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "text/event-stream" {
		s.next = newSSEDecoder(body).next
	} else {
		s.next = newJSONStreamDecoder(body).next
	}
	return s
}

// Next returns the next fragment.
//
// A read failure before the first fragment is a *ConnectionError. After
// at least one fragment it becomes a failure sentinel followed by io.EOF.
func (s *incrementalSource) Next(ctx context.Context) (Fragment, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if s.done {
		return Fragment{}, io.EOF
	}

	raw, err := s.next()
	if errors.Is(err, io.EOF) {
		s.done = true
		return Fragment{}, io.EOF
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Fragment{}, ctxErr
		}
		s.done = true
		if s.delivered == 0 {
			return Fragment{}, &ConnectionError{Op: "read stream", Err: err}
		}
		return FailureFragment(fmt.Sprintf("upstream stream interrupted: %v", err)), nil
	}

	s.delivered++
	return Fragment{Shape: s.shape, Raw: raw}, nil
}

// Close releases the response body. Safe to call more than once.
func (s *incrementalSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// =============================================================================
// Decoders
// =============================================================================

// sseDecoder yields the joined data lines of each server-sent event.
type sseDecoder struct {
	scanner *bufio.Scanner
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &sseDecoder{scanner: sc}
}

func (d *sseDecoder) next() ([]byte, error) {
	var data [][]byte
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			if len(data) > 0 {
				return joinData(data), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		data = append(data, append([]byte(nil), value...))
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return joinData(data), nil
	}
	return nil, io.EOF
}

func joinData(data [][]byte) []byte {
	return bytes.Join(data, []byte("\n"))
}

// jsonStreamDecoder yields the elements of a JSON array one at a time, or
// a single top-level object.
type jsonStreamDecoder struct {
	reader  *bufio.Reader
	dec     *json.Decoder
	started bool
	array   bool
	done    bool
}

func newJSONStreamDecoder(r io.Reader) *jsonStreamDecoder {
	return &jsonStreamDecoder{reader: bufio.NewReader(r)}
}

func (d *jsonStreamDecoder) next() ([]byte, error) {
	if d.done {
		return nil, io.EOF
	}
	if !d.started {
		if err := d.start(); err != nil {
			return nil, err
		}
	}

	if !d.array {
		d.done = true
		var raw json.RawMessage
		if err := d.dec.Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if !d.dec.More() {
		d.done = true
		if _, err := d.dec.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("unterminated message array: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		return nil, io.EOF
	}
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unterminated message array: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return raw, nil
}

// start peeks at the first non-space byte to tell an array from a single
// message.
func (d *jsonStreamDecoder) start() error {
	d.started = true
	for {
		b, err := d.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.done = true
			}
			return err
		}
		if strings.ContainsRune(" \t\r\n", rune(b)) {
			continue
		}
		if err := d.reader.UnreadByte(); err != nil {
			return err
		}
		d.array = b == '['
		break
	}
	d.dec = json.NewDecoder(d.reader)
	if d.array {
		if _, err := d.dec.Token(); err != nil {
			return err
		}
	}
	return nil
}
