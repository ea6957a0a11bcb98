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
	"fmt"
	"strings"
)

// Answer generation modes accepted by streamAssist.
const (
	GenerationModeAgent  = "AGENT"
	GenerationModeNormal = "NORMAL"
)

// AssistParams configures one streamAssist call.
type AssistParams struct {
	AssistantID    string
	AgentName      string
	GenerationMode string
	WebGrounding   bool
}

// AssistRequestBody is the JSON body of a streamAssist call.
//
// session must already be a resource name (see SessionResource).
func AssistRequestBody(t Target, p AssistParams, query, session string) map[string]any {
	mode := p.GenerationMode
	if mode == "" {
		mode = GenerationModeAgent
	}
	body := map[string]any{
		"name":                 t.AssistantPath(p.AssistantID),
		"query":                map[string]any{"text": query},
		"session":              session,
		"assistSkippingMode":   "REQUEST_ASSIST",
		"answerGenerationMode": mode,
	}
	if p.AgentName != "" {
		body["agentsConfig"] = map[string]any{
			"agent": t.AgentPath(p.AssistantID, p.AgentName),
		}
	}
	if p.WebGrounding {
		body["toolsSpec"] = map[string]any{"webGroundingSpec": map[string]any{}}
	}
	return body
}

// ListAssistants returns the engine's assistants resource list verbatim.
func (c *Client) ListAssistants(ctx context.Context, t Target) (json.RawMessage, error) {
	return c.getRaw(ctx, t, "listAssistants", t.EnginePath()+"/assistants")
}

// ListAgents returns the agents of the default assistant verbatim.
func (c *Client) ListAgents(ctx context.Context, t Target) (json.RawMessage, error) {
	return c.getRaw(ctx, t, "listAgents", t.AssistantPath(DefaultAssistant)+"/agents")
}

// GetAgent returns one agent of the default assistant verbatim.
func (c *Client) GetAgent(ctx context.Context, t Target, agent string) (json.RawMessage, error) {
	if agent == "" || strings.Contains(agent, "/") {
		return nil, fmt.Errorf("%w: invalid agent name %q", ErrInvalidTarget, agent)
	}
	return c.getRaw(ctx, t, "getAgent", t.AgentPath(DefaultAssistant, agent))
}

func (c *Client) getRaw(ctx context.Context, t Target, api, path string) (json.RawMessage, error) {
	if err := t.ValidateEngine(); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.DoJSON(ctx, Call{
		API:     api,
		Target:  t,
		Version: VersionV1Alpha,
		Path:    path,
	}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return raw, nil
}
