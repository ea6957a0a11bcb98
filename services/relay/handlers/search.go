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
	"net/http"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/datatypes"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/gin-gonic/gin"
)

// HandleSearch serves POST /v1/search.
//
// Page size, language and spell correction default to Settings when the
// request leaves them unset.
func HandleSearch(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			d.badRequest(c, "search", err)
			return
		}
		if err := req.Validate(); err != nil {
			d.badRequest(c, "search", err)
			return
		}

		s := d.settings()
		params := discovery.SearchParams{
			Query:           req.Query,
			PageSize:        req.PageSize,
			LanguageCode:    req.LanguageCode,
			SpellCorrection: s.SpellCorrection,
		}
		if params.PageSize == 0 {
			params.PageSize = s.PageSize
		}
		if params.LanguageCode == "" {
			params.LanguageCode = s.LanguageCode
		}
		if req.SpellCorrection != nil {
			params.SpellCorrection = *req.SpellCorrection
		}

		result, err := d.Client.Search(c.Request.Context(), req.Resolve(d.Defaults), params)
		if err != nil {
			d.abortWithError(c, "search", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
