// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
)

// API versions used by the service.
const (
	VersionV1      = "v1"
	VersionV1Alpha = "v1alpha"
)

const (
	// DefaultTimeout bounds DoJSON calls unless the client or the call
	// sets another. Streaming calls are bound only by their context.
	DefaultTimeout = 60 * time.Second

	userAgent = "discovery-relay/1.0"
)

var tracer = otel.Tracer("discovery-relay.discovery")

// RequestHook observes every finished upstream call.
//
// api is a low-cardinality operation label such as "search" or
// "streamAssist". code is the HTTP status, or 0 if no response arrived.
type RequestHook func(api string, code int, elapsed time.Duration)

// Client issues authenticated REST calls to Discovery Engine.
//
// # Description
//
// Every call fetches a fresh bearer token from the TokenProvider, sets the
// quota project header from the target, and converts non-2xx responses to
// *googleapi.Error via googleapi.CheckResponse.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Client struct {
	httpClient *http.Client
	tokens     TokenProvider
	baseURL    string
	logger     *slog.Logger
	hook       RequestHook
	timeout    time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. The client should not set a
// global Timeout, or streaming calls are cut short.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL routes every call to a fixed base URL instead of the
// location-derived host. Used for tests and private endpoints.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRequestTimeout sets the default DoJSON timeout. Non-positive
// values keep DefaultTimeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRequestHook registers a callback for finished calls.
func WithRequestHook(h RequestHook) ClientOption {
	return func(c *Client) {
		c.hook = h
	}
}

// NewClient creates a Client.
//
// # Inputs
//
//   - tokens: Bearer token source. Must not be nil.
//   - opts: Optional HTTP client, base URL, logger, hook.
//
// # Outputs
//
//   - *Client: Ready client.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	if tokens == nil {
		panic("discovery.NewClient: tokens must not be nil")
	}
	c := &Client{
		httpClient: &http.Client{},
		tokens:     tokens,
		logger:     slog.Default(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call describes one REST call.
type Call struct {
	// API is the operation label for logs, spans, and metrics.
	API string

	// Target supplies the host location and quota project.
	Target Target

	Method  string
	Version string

	// Path is a resource path such as "projects/1/locations/us/...:search".
	Path  string
	Query url.Values

	// Body is JSON-encoded when non-nil.
	Body any

	// Upload selects the /upload/ prefix for media uploads.
	Upload bool

	// RawBody and ContentType send bytes as-is instead of JSON.
	RawBody     io.Reader
	ContentType string
	Headers     map[string]string

	// Timeout overrides the client timeout for DoJSON. Zero keeps the
	// client timeout; negative leaves the call bound only by ctx.
	Timeout time.Duration
}

// URL returns the absolute URL for the call.
func (c *Client) URL(call Call) string {
	base := c.baseURL
	if base == "" {
		base = "https://" + APIHost(call.Target.WithDefaults().Location)
	}
	var sb strings.Builder
	sb.WriteString(base)
	if call.Upload {
		sb.WriteString("/upload")
	}
	sb.WriteString("/")
	sb.WriteString(call.Version)
	sb.WriteString("/")
	sb.WriteString(strings.TrimLeft(call.Path, "/"))
	if len(call.Query) > 0 {
		sb.WriteString("?")
		sb.WriteString(call.Query.Encode())
	}
	return sb.String()
}

// DoJSON performs a call and decodes the JSON response into out.
//
// # Description
//
// The call is bounded by call.Timeout, else the client timeout, unless
// ctx already carries a shorter deadline. out may be nil to discard the body, or a
// *json.RawMessage to keep it verbatim.
//
// # Outputs
//
//   - error: *googleapi.Error for non-2xx responses, wrapped
//     ErrCredentials when no token was available, or a transport or
//     decode error.
func (c *Client) DoJSON(ctx context.Context, call Call, out any) error {
	timeout := c.timeout
	if call.Timeout != 0 {
		timeout = call.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.Stream(ctx, call)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s response: %w", call.API, err)
	}
	return nil
}

// Stream performs a call and returns the open response on success.
//
// # Description
//
// The caller owns resp.Body and must close it. Reads from the body fail
// once ctx is cancelled.
//
// # Outputs
//
//   - *http.Response: 2xx response with unread body.
//   - error: Same kinds as DoJSON. The body is closed on error.
func (c *Client) Stream(ctx context.Context, call Call) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, "discovery."+call.API,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("discovery.api", call.API),
			attribute.String("discovery.version", call.Version),
			attribute.String("discovery.location", call.Target.Location),
		),
	)
	defer span.End()

	start := time.Now()
	req, err := c.newRequest(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		c.observe(call.API, 0, start)
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.observe(call.API, 0, start)
		return nil, fmt.Errorf("%s request: %w", call.API, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.observe(call.API, resp.StatusCode, start)

	if err := googleapi.CheckResponse(resp); err != nil {
		resp.Body.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream status")
		c.logger.Warn("discovery call failed",
			"api", call.API,
			"status", resp.StatusCode,
			"error", err,
		)
		return nil, err
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, call Call) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body := call.RawBody
	contentType := call.ContentType
	if body == nil && call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", call.API, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(call), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", call.API, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if call.Target.ProjectNumber != "" {
		req.Header.Set("X-Goog-User-Project", call.Target.ProjectNumber)
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) observe(api string, code int, start time.Time) {
	if c.hook != nil {
		c.hook(api, code, time.Since(start))
	}
}

// StatusCode returns the HTTP status carried by an upstream error, or 0.
func StatusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// ErrorMessage returns the upstream error message when err is a
// *googleapi.Error, or err.Error() otherwise.
func ErrorMessage(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return err.Error()
}
