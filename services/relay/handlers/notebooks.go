// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/datatypes"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/gin-gonic/gin"
)

// uploadFormField is the multipart field holding the uploaded file.
const uploadFormField = "file"

// validatable is a request body with tag and rule validation.
type validatable interface {
	Validate() error
}

// bindBody binds and validates a JSON body, writing the 400 itself.
func (d *Deps) bindBody(c *gin.Context, op string, req validatable) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		d.badRequest(c, op, err)
		return false
	}
	if err := req.Validate(); err != nil {
		d.badRequest(c, op, err)
		return false
	}
	return true
}

func writeRaw(c *gin.Context, status int, raw json.RawMessage) {
	c.Data(status, "application/json; charset=utf-8", raw)
}

// =============================================================================
// Notebooks
// =============================================================================

// HandleCreateNotebook serves POST /v1/notebooks.
func HandleCreateNotebook(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateNotebookRequest
		if !d.bindBody(c, "create_notebook", &req) {
			return
		}
		raw, err := d.Client.CreateNotebook(c.Request.Context(), req.Resolve(d.Defaults), req.Title)
		if err != nil {
			d.abortWithError(c, "create_notebook", err)
			return
		}
		writeRaw(c, http.StatusCreated, raw)
	}
}

// HandleListNotebooks serves GET /v1/notebooks (recently viewed).
func HandleListNotebooks(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, q, ok := d.queryTarget(c, "list_notebooks")
		if !ok {
			return
		}
		pageSize := q.PageSize
		if pageSize == 0 {
			pageSize = d.settings().PageSize
		}
		raw, err := d.Client.ListRecentNotebooks(c.Request.Context(), target, pageSize)
		if err != nil {
			d.abortWithError(c, "list_notebooks", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleGetNotebook serves GET /v1/notebooks/:id.
func HandleGetNotebook(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, "get_notebook")
		if !ok {
			return
		}
		raw, err := d.Client.GetNotebook(c.Request.Context(), target, c.Param("id"))
		if err != nil {
			d.abortWithError(c, "get_notebook", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleDeleteNotebooks serves POST /v1/notebooks/batch-delete.
func HandleDeleteNotebooks(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.NamesRequest
		if !d.bindBody(c, "delete_notebooks", &req) {
			return
		}
		raw, err := d.Client.DeleteNotebooks(c.Request.Context(), req.Resolve(d.Defaults), req.Names)
		if err != nil {
			d.abortWithError(c, "delete_notebooks", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleShareNotebook serves POST /v1/notebooks/:id/share.
func HandleShareNotebook(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ShareNotebookRequest
		if !d.bindBody(c, "share_notebook", &req) {
			return
		}
		raw, err := d.Client.ShareNotebook(c.Request.Context(), req.Resolve(d.Defaults), c.Param("id"), req.AccountAndRoles)
		if err != nil {
			d.abortWithError(c, "share_notebook", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleNotebookURL serves GET /v1/notebooks/:id/url. No upstream call is
// made.
func HandleNotebookURL(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, "notebook_url")
		if !ok {
			return
		}
		id := c.Param("id")
		if err := target.ValidateProject(); err != nil {
			d.abortWithError(c, "notebook_url", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"notebook_id": id,
			"url":         discovery.NotebookURL(target, id, d.settings().GoogleIdentity),
		})
	}
}

// =============================================================================
// Sources
// =============================================================================

// HandleCreateSources serves POST /v1/notebooks/:id/sources/batch-create.
func HandleCreateSources(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateSourcesRequest
		if !d.bindBody(c, "create_sources", &req) {
			return
		}
		raw, err := d.Client.CreateSources(c.Request.Context(), req.Resolve(d.Defaults), c.Param("id"), req.UserContents)
		if err != nil {
			d.abortWithError(c, "create_sources", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleGetSource serves GET /v1/notebooks/:id/sources/:sourceId.
func HandleGetSource(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, "get_source")
		if !ok {
			return
		}
		raw, err := d.Client.GetSource(c.Request.Context(), target, c.Param("id"), c.Param("sourceId"))
		if err != nil {
			d.abortWithError(c, "get_source", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleDeleteSources serves POST /v1/notebooks/:id/sources/batch-delete.
func HandleDeleteSources(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.NamesRequest
		if !d.bindBody(c, "delete_sources", &req) {
			return
		}
		raw, err := d.Client.DeleteSources(c.Request.Context(), req.Resolve(d.Defaults), c.Param("id"), req.Names)
		if err != nil {
			d.abortWithError(c, "delete_sources", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleUploadSource serves POST /v1/notebooks/:id/sources/upload.
//
// # Description
//
// Accepts a multipart form with the file in the "file" field and the
// target in the query string. The file is streamed to upstream without
// being buffered in full. Bodies above MaxUploadBytes are rejected.
func HandleUploadSource(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, "upload_source")
		if !ok {
			return
		}
		limit := d.settings().MaxUploadBytes
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

		header, err := c.FormFile(uploadFormField)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				d.abortWithError(c, "upload_source", fmt.Errorf("%w: limit %d bytes", discovery.ErrObjectTooLarge, limit))
				return
			}
			d.badRequest(c, "upload_source", fmt.Errorf("multipart field %q: %w", uploadFormField, err))
			return
		}
		file, err := header.Open()
		if err != nil {
			d.badRequest(c, "upload_source", err)
			return
		}
		defer file.Close()

		contentType := header.Header.Get("Content-Type")
		raw, err := d.Client.UploadSource(c.Request.Context(), target, c.Param("id"), file, filepath.Base(header.Filename), contentType)
		if err != nil {
			d.abortWithError(c, "upload_source", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}

// HandleImportObject serves POST /v1/notebooks/:id/sources/import-gcs.
//
// The gs:// object is read through the configured object opener and
// uploaded as a file source. Returns 503 when no opener is configured.
func HandleImportObject(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.Opener == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "object storage import is not configured"})
			return
		}
		var req datatypes.ImportObjectRequest
		if !d.bindBody(c, "import_object", &req) {
			return
		}
		raw, err := d.Client.ImportObjectSource(c.Request.Context(), req.Resolve(d.Defaults), c.Param("id"), d.Opener, req.URI, d.settings().MaxUploadBytes)
		if err != nil {
			d.abortWithError(c, "import_object", err)
			return
		}
		writeRaw(c, http.StatusOK, raw)
	}
}
