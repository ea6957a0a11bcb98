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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidSource is returned for a user content with zero or several
// content kinds set.
var ErrInvalidSource = errors.New("invalid notebook source")

// =============================================================================
// Source content types
// =============================================================================

// GoogleDriveContent references a Drive document.
type GoogleDriveContent struct {
	DocumentID string `json:"documentId" validate:"required"`
	MimeType   string `json:"mimeType" validate:"required"`
	SourceName string `json:"sourceName,omitempty"`
}

// TextContent is pasted text.
type TextContent struct {
	SourceName string `json:"sourceName,omitempty"`
	Content    string `json:"content" validate:"required"`
}

// WebContent is a web page.
type WebContent struct {
	URL        string `json:"url" validate:"required,url"`
	SourceName string `json:"sourceName,omitempty"`
}

// VideoContent is a video URL.
type VideoContent struct {
	URL string `json:"url" validate:"required,url"`
}

// UserContent is one source to add. Exactly one field must be set.
type UserContent struct {
	GoogleDriveContent *GoogleDriveContent `json:"googleDriveContent,omitempty"`
	TextContent        *TextContent        `json:"textContent,omitempty"`
	WebContent         *WebContent         `json:"webContent,omitempty"`
	VideoContent       *VideoContent       `json:"videoContent,omitempty"`
}

// Validate checks that exactly one content kind is set.
func (u UserContent) Validate() error {
	n := 0
	if u.GoogleDriveContent != nil {
		n++
	}
	if u.TextContent != nil {
		n++
	}
	if u.WebContent != nil {
		n++
	}
	if u.VideoContent != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: exactly one content kind must be set, got %d", ErrInvalidSource, n)
	}
	return nil
}

// AccountAndRole grants one user a role on a notebook.
type AccountAndRole struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required"`
}

// =============================================================================
// Notebook operations
// =============================================================================

// CreateNotebook creates an empty notebook.
func (c *Client) CreateNotebook(ctx context.Context, t Target, title string) (json.RawMessage, error) {
	if err := t.ValidateProject(); err != nil {
		return nil, err
	}
	return c.notebookCall(ctx, Call{
		API:    "createNotebook",
		Target: t,
		Method: http.MethodPost,
		Path:   t.Parent() + "/notebooks",
		Body:   map[string]any{"title": title},
	})
}

// GetNotebook returns one notebook verbatim.
func (c *Client) GetNotebook(ctx context.Context, t Target, id string) (json.RawMessage, error) {
	if err := checkID(t, id); err != nil {
		return nil, err
	}
	return c.notebookCall(ctx, Call{
		API:    "getNotebook",
		Target: t,
		Path:   t.NotebookPath(id),
	})
}

// ListRecentNotebooks lists recently viewed notebooks. pageSize <= 0
// leaves the upstream default.
func (c *Client) ListRecentNotebooks(ctx context.Context, t Target, pageSize int) (json.RawMessage, error) {
	if err := t.ValidateProject(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	return c.notebookCall(ctx, Call{
		API:    "listRecentNotebooks",
		Target: t,
		Path:   t.Parent() + "/notebooks:listRecentlyViewed",
		Query:  q,
	})
}

// DeleteNotebooks deletes notebooks by resource name or id.
func (c *Client) DeleteNotebooks(ctx context.Context, t Target, names []string) (json.RawMessage, error) {
	if err := t.ValidateProject(); err != nil {
		return nil, err
	}
	full := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.Contains(n, "/") {
			n = t.NotebookPath(n)
		}
		full = append(full, n)
	}
	return c.notebookCall(ctx, Call{
		API:    "deleteNotebooks",
		Target: t,
		Method: http.MethodPost,
		Path:   t.Parent() + "/notebooks:batchDelete",
		Body:   map[string]any{"names": full},
	})
}

// ShareNotebook grants roles on a notebook.
func (c *Client) ShareNotebook(ctx context.Context, t Target, id string, grants []AccountAndRole) (json.RawMessage, error) {
	if err := checkID(t, id); err != nil {
		return nil, err
	}
	return c.notebookCall(ctx, Call{
		API:    "shareNotebook",
		Target: t,
		Method: http.MethodPost,
		Path:   t.NotebookPath(id) + ":share",
		Body:   map[string]any{"accountAndRoles": grants},
	})
}

// NotebookURL returns the browser URL of a notebook. Google identity
// users open notebooks on notebooklm.cloud.google.com, third-party
// identity users on notebooklm.cloud.google.
func NotebookURL(t Target, id string, googleIdentity bool) string {
	t = t.WithDefaults()
	domain := "notebooklm.cloud.google"
	if googleIdentity {
		domain = "notebooklm.cloud.google.com"
	}
	return fmt.Sprintf("https://%s/%s/notebook/%s?project=%s",
		domain, t.Location, url.PathEscape(id), url.QueryEscape(t.ProjectNumber))
}

// =============================================================================
// Source operations
// =============================================================================

// CreateSources adds sources to a notebook.
func (c *Client) CreateSources(ctx context.Context, t Target, id string, contents []UserContent) (json.RawMessage, error) {
	if err := checkID(t, id); err != nil {
		return nil, err
	}
	for i, uc := range contents {
		if err := uc.Validate(); err != nil {
			return nil, fmt.Errorf("user content %d: %w", i, err)
		}
	}
	return c.notebookCall(ctx, Call{
		API:    "createSources",
		Target: t,
		Method: http.MethodPost,
		Path:   t.NotebookPath(id) + "/sources:batchCreate",
		Body:   map[string]any{"userContents": contents},
	})
}

// GetSource returns one notebook source verbatim.
func (c *Client) GetSource(ctx context.Context, t Target, id, sourceID string) (json.RawMessage, error) {
	if err := checkID(t, id); err != nil {
		return nil, err
	}
	if sourceID == "" || strings.Contains(sourceID, "/") {
		return nil, fmt.Errorf("%w: invalid source id %q", ErrInvalidTarget, sourceID)
	}
	return c.notebookCall(ctx, Call{
		API:    "getSource",
		Target: t,
		Path:   t.NotebookPath(id) + "/sources/" + sourceID,
	})
}

// DeleteSources deletes sources by resource name or id.
func (c *Client) DeleteSources(ctx context.Context, t Target, id string, names []string) (json.RawMessage, error) {
	if err := checkID(t, id); err != nil {
		return nil, err
	}
	full := make([]string, 0, len(names))
	for _, n := range names {
		if !strings.Contains(n, "/") {
			n = t.NotebookPath(id) + "/sources/" + n
		}
		full = append(full, n)
	}
	return c.notebookCall(ctx, Call{
		API:    "deleteSources",
		Target: t,
		Method: http.MethodPost,
		Path:   t.NotebookPath(id) + "/sources:batchDelete",
		Body:   map[string]any{"names": full},
	})
}

// UploadSource uploads raw file bytes as a notebook source.
//
// # Inputs
//
//   - body: File content, streamed to upstream as-is.
//   - fileName: Display name sent in X-Goog-Upload-File-Name.
//   - contentType: MIME type of the file.
func (c *Client) UploadSource(ctx context.Context, t Target, id string, body io.Reader, fileName, contentType string) (json.RawMessage, error) {
	if err := checkID(t, id); err != nil {
		return nil, err
	}
	if fileName == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidSource)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.notebookCall(ctx, Call{
		API:         "uploadSource",
		Target:      t,
		Method:      http.MethodPost,
		Upload:      true,
		Path:        t.NotebookPath(id) + "/sources:uploadFile",
		RawBody:     body,
		ContentType: contentType,
		Headers: map[string]string{
			"X-Goog-Upload-File-Name": fileName,
			"X-Goog-Upload-Protocol":  "raw",
		},
	})
}

func (c *Client) notebookCall(ctx context.Context, call Call) (json.RawMessage, error) {
	call.Version = VersionV1Alpha
	var raw json.RawMessage
	if err := c.DoJSON(ctx, call, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return raw, nil
}

func checkID(t Target, id string) error {
	if err := t.ValidateProject(); err != nil {
		return err
	}
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: invalid notebook id %q", ErrInvalidTarget, id)
	}
	return nil
}
