// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides Gin middleware for the relay API.
//
// # Description
//
// APIKeyAuth checks the client's bearer key against the configured key
// set and stores the caller identity in the Gin context. RateLimit then
// throttles each caller (key id, or client IP for anonymous callers).
//
//	Request
//	   │
//	   ▼
//	APIKeyAuth ──► caller id in context
//	   │
//	   ▼
//	RateLimit ──► 429 when the caller's bucket is empty
//	   │
//	   ▼
//	Handler
//
// # Open Mode
//
// With no keys configured every request passes as anonymous. This is the
// local development default.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// callerKey is the Gin context key of the caller identity.
const callerKey = "relay_caller"

// AnonymousCaller is the caller id when no keys are configured.
const AnonymousCaller = "anonymous"

// =============================================================================
// Context Helpers
// =============================================================================

// SetCaller stores the caller identity in the Gin context.
func SetCaller(c *gin.Context, id string) {
	c.Set(callerKey, id)
}

// GetCaller returns the caller identity, or "" when none was stored.
func GetCaller(c *gin.Context) string {
	if v, ok := c.Get(callerKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// API Key Authentication
// =============================================================================

// KeyID returns the non-secret identifier of an API key: the first 12 hex
// characters of its SHA-256. Safe to log and to use as a metrics or rate
// limit key.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:])[:12]
}

// APIKeyAuth creates middleware that requires "Authorization: Bearer <key>"
// with one of keys.
//
// # Description
//
// Keys are compared in constant time against their SHA-256 digests. On
// success the caller id is KeyID(key). With an empty key set the
// middleware lets every request through as AnonymousCaller.
//
// # Inputs
//
//   - keys: Accepted API keys. Empty strings are ignored.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware answering 401 on a missing or unknown key.
//
// # Thread Safety
//
// Thread-safe. The key set is read-only after construction.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	digests := make([][32]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}

	return func(c *gin.Context) {
		if len(digests) == 0 {
			SetCaller(c, AnonymousCaller)
			c.Next()
			return
		}

		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		sum := sha256.Sum256([]byte(token))
		matched := 0
		for i := range digests {
			matched |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
		}
		if matched != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		SetCaller(c, KeyID(token))
		c.Next()
	}
}

// extractBearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is missing or uses another scheme. The
// scheme is case-insensitive.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
