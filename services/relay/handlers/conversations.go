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
	"errors"
	"net/http"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/datatypes"
	"github.com/gin-gonic/gin"
)

var errQueryRequired = errors.New("query is required")

// HandleConverse serves POST /v1/conversations, the non-streaming
// counterpart of the converse stream. It returns the whole reply at once.
func HandleConverse(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			d.badRequest(c, "converse", err)
			return
		}
		if err := req.Validate(); err != nil {
			d.badRequest(c, "converse", err)
			return
		}
		if req.Query == "" {
			d.badRequest(c, "converse", errQueryRequired)
			return
		}

		reply, err := d.Client.Converse(c.Request.Context(), req.Resolve(d.Defaults), req.Query, req.ContinuationToken)
		if err != nil {
			d.abortWithError(c, "converse", err)
			return
		}
		c.JSON(http.StatusOK, reply)
	}
}
