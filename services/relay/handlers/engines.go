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
	"net/http"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/datatypes"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/gin-gonic/gin"
)

// queryTarget binds the target query parameters and applies the
// :engineId path parameter when the route has one. It writes the 400
// itself and reports false on failure.
func (d *Deps) queryTarget(c *gin.Context, op string) (discovery.Target, datatypes.TargetQuery, bool) {
	var q datatypes.TargetQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		d.badRequest(c, op, err)
		return discovery.Target{}, q, false
	}
	if id := c.Param("engineId"); id != "" {
		q.EngineID = id
	}
	if err := q.Validate(); err != nil {
		d.badRequest(c, op, err)
		return discovery.Target{}, q, false
	}
	return q.Resolve(d.Defaults), q, true
}

// HandleListEngines serves GET /v1/engines.
func HandleListEngines(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, "list_engines")
		if !ok {
			return
		}
		engines, err := d.Client.ListEngines(c.Request.Context(), target)
		if err != nil {
			d.abortWithError(c, "list_engines", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"engines": engines, "count": len(engines)})
	}
}

// HandleGetEngine serves GET /v1/engines/:engineId.
func HandleGetEngine(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, "get_engine")
		if !ok {
			return
		}
		engine, err := d.Client.GetEngine(c.Request.Context(), target)
		if err != nil {
			d.abortWithError(c, "get_engine", err)
			return
		}
		c.JSON(http.StatusOK, engine)
	}
}

// HandleEngineDataStores serves GET /v1/engines/:engineId/datastores.
//
// Data stores that fail to load are listed with their error instead of
// failing the whole response.
func HandleEngineDataStores(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, "engine_datastores")
		if !ok {
			return
		}
		stores, err := d.Client.EngineDataStores(c.Request.Context(), target)
		if err != nil {
			d.abortWithError(c, "engine_datastores", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data_stores": stores, "count": len(stores)})
	}
}

// rawHandler wraps an engine-scoped call returning upstream JSON verbatim.
func rawHandler(d *Deps, op string, call func(c *gin.Context, t discovery.Target) (json.RawMessage, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, _, ok := d.queryTarget(c, op)
		if !ok {
			return
		}
		raw, err := call(c, target)
		if err != nil {
			d.abortWithError(c, op, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
	}
}

// HandleEngineDetails serves GET /v1/engines/:engineId/details.
func HandleEngineDetails(d *Deps) gin.HandlerFunc {
	return rawHandler(d, "engine_details", func(c *gin.Context, t discovery.Target) (json.RawMessage, error) {
		return d.Client.EngineDetails(c.Request.Context(), t)
	})
}

// HandleListAssistants serves GET /v1/engines/:engineId/assistants.
func HandleListAssistants(d *Deps) gin.HandlerFunc {
	return rawHandler(d, "list_assistants", func(c *gin.Context, t discovery.Target) (json.RawMessage, error) {
		return d.Client.ListAssistants(c.Request.Context(), t)
	})
}

// HandleListAgents serves GET /v1/engines/:engineId/agents.
func HandleListAgents(d *Deps) gin.HandlerFunc {
	return rawHandler(d, "list_agents", func(c *gin.Context, t discovery.Target) (json.RawMessage, error) {
		return d.Client.ListAgents(c.Request.Context(), t)
	})
}

// HandleGetAgent serves GET /v1/engines/:engineId/agents/:agent.
func HandleGetAgent(d *Deps) gin.HandlerFunc {
	return rawHandler(d, "get_agent", func(c *gin.Context, t discovery.Target) (json.RawMessage, error) {
		return d.Client.GetAgent(c.Request.Context(), t, c.Param("agent"))
	})
}
