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
	"net/http"
	"strconv"
)

// SearchParams are the inputs of one search.
type SearchParams struct {
	Query           string
	PageSize        int
	LanguageCode    string
	SpellCorrection bool
}

// SearchDocument is one flattened search hit.
type SearchDocument struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

// SearchResult is the flattened search response.
type SearchResult struct {
	Results          []SearchDocument `json:"results"`
	TotalSize        int              `json:"total_size"`
	AttributionToken string           `json:"attribution_token"`
	Query            string           `json:"query"`
}

type searchResponse struct {
	Results []struct {
		ID       string `json:"id"`
		Document struct {
			ID                string         `json:"id"`
			Name              string         `json:"name"`
			StructData        map[string]any `json:"structData"`
			DerivedStructData map[string]any `json:"derivedStructData"`
		} `json:"document"`
	} `json:"results"`
	TotalSize        json.Number `json:"totalSize"`
	AttributionToken string      `json:"attributionToken"`
}

// Search runs a query against the engine's default serving config.
//
// # Description
//
// Query expansion is AUTO. Spell correction is AUTO or OFF. Each hit's
// data merges structData with derivedStructData; structData wins on
// key collisions.
//
// # Inputs
//
//   - ctx: Request context.
//   - t: Target engine. Must pass ValidateEngine.
//   - p: Query parameters. PageSize <= 0 leaves the upstream default.
func (c *Client) Search(ctx context.Context, t Target, p SearchParams) (*SearchResult, error) {
	if err := t.ValidateEngine(); err != nil {
		return nil, err
	}
	spell := "OFF"
	if p.SpellCorrection {
		spell = "AUTO"
	}
	body := map[string]any{
		"query":              p.Query,
		"queryExpansionSpec": map[string]any{"condition": "AUTO"},
		"spellCorrectionSpec": map[string]any{
			"mode": spell,
		},
	}
	if p.PageSize > 0 {
		body["pageSize"] = p.PageSize
	}
	if p.LanguageCode != "" {
		body["languageCode"] = p.LanguageCode
	}

	var resp searchResponse
	err := c.DoJSON(ctx, Call{
		API:     "search",
		Target:  t,
		Method:  http.MethodPost,
		Version: VersionV1,
		Path:    t.ServingConfig() + ":search",
		Body:    body,
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := &SearchResult{
		Results:          make([]SearchDocument, 0, len(resp.Results)),
		AttributionToken: resp.AttributionToken,
		Query:            p.Query,
	}
	if resp.TotalSize != "" {
		n, err := strconv.Atoi(resp.TotalSize.String())
		if err != nil {
			return nil, fmt.Errorf("decode search total size: %w", err)
		}
		out.TotalSize = n
	}
	for _, r := range resp.Results {
		id := r.Document.ID
		if id == "" {
			id = r.ID
		}
		out.Results = append(out.Results, SearchDocument{
			ID:   id,
			Name: r.Document.Name,
			Data: mergeDocumentData(r.Document.StructData, r.Document.DerivedStructData),
		})
	}
	return out, nil
}

func mergeDocumentData(structData, derived map[string]any) map[string]any {
	data := make(map[string]any, len(structData)+len(derived))
	for k, v := range structData {
		data[k] = v
	}
	for k, v := range derived {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}
	return data
}
