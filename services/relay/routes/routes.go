// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/DiscoveryRelay/services/relay/handlers"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/middleware"
	"github.com/gin-gonic/gin"
)

// Options are the cross-cutting pieces mounted around the API routes.
type Options struct {
	// APIKeys enables bearer key authentication on /v1. Empty: open mode.
	APIKeys []string

	// Limiter throttles /v1 callers. Nil disables rate limiting.
	Limiter *middleware.RateLimiter

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// SetupRoutes registers every relay endpoint on router.
//
// /health and /metrics stay outside the authenticated, rate limited /v1
// group.
func SetupRoutes(router *gin.Engine, deps *handlers.Deps, opts Options) {
	router.GET("/health", handlers.HealthCheck)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	streams := handlers.NewStreamHandler(deps)

	v1 := router.Group("/v1")
	v1.Use(middleware.APIKeyAuth(opts.APIKeys))
	if opts.Limiter != nil {
		v1.Use(middleware.RateLimit(opts.Limiter))
	}
	{
		v1.POST("/search", handlers.HandleSearch(deps))

		v1.POST("/conversations", handlers.HandleConverse(deps))
		v1.POST("/conversations/stream", streams.HandleConverseStream)
		v1.POST("/assist/stream", streams.HandleAssistStream)

		engines := v1.Group("/engines")
		{
			engines.GET("", handlers.HandleListEngines(deps))
			engines.GET("/:engineId", handlers.HandleGetEngine(deps))
			engines.GET("/:engineId/details", handlers.HandleEngineDetails(deps))
			engines.GET("/:engineId/datastores", handlers.HandleEngineDataStores(deps))
			engines.GET("/:engineId/assistants", handlers.HandleListAssistants(deps))
			engines.GET("/:engineId/agents", handlers.HandleListAgents(deps))
			engines.GET("/:engineId/agents/:agent", handlers.HandleGetAgent(deps))
		}

		notebooks := v1.Group("/notebooks")
		{
			notebooks.POST("", handlers.HandleCreateNotebook(deps))
			notebooks.GET("", handlers.HandleListNotebooks(deps))
			notebooks.POST("/batch-delete", handlers.HandleDeleteNotebooks(deps))
			notebooks.GET("/:id", handlers.HandleGetNotebook(deps))
			notebooks.POST("/:id/share", handlers.HandleShareNotebook(deps))
			notebooks.GET("/:id/url", handlers.HandleNotebookURL(deps))
			notebooks.POST("/:id/sources/batch-create", handlers.HandleCreateSources(deps))
			notebooks.POST("/:id/sources/batch-delete", handlers.HandleDeleteSources(deps))
			notebooks.POST("/:id/sources/upload", handlers.HandleUploadSource(deps))
			notebooks.POST("/:id/sources/import-gcs", handlers.HandleImportObject(deps))
			notebooks.GET("/:id/sources/:sourceId", handlers.HandleGetSource(deps))
		}
	}
}
