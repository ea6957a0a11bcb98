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
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"
)

// maxEnginePages bounds list pagination.
const maxEnginePages = 20

// dataStoreConcurrency bounds parallel data store lookups.
const dataStoreConcurrency = 4

// Engine is the summary of one engine.
type Engine struct {
	Name             string   `json:"name"`
	ID               string   `json:"id"`
	DisplayName      string   `json:"display_name"`
	SolutionType     string   `json:"solution_type"`
	IndustryVertical string   `json:"industry_vertical"`
	CreateTime       string   `json:"create_time,omitempty"`
	DataStoreIDs     []string `json:"data_store_ids,omitempty"`
}

type engineResource struct {
	Name             string   `json:"name"`
	DisplayName      string   `json:"displayName"`
	SolutionType     string   `json:"solutionType"`
	IndustryVertical string   `json:"industryVertical"`
	CreateTime       string   `json:"createTime"`
	DataStoreIDs     []string `json:"dataStoreIds"`
}

func (e engineResource) toEngine() Engine {
	st := e.SolutionType
	if st == "" {
		st = "SOLUTION_TYPE_UNSPECIFIED"
	}
	iv := e.IndustryVertical
	if iv == "" {
		iv = "INDUSTRY_VERTICAL_UNSPECIFIED"
	}
	return Engine{
		Name:             e.Name,
		ID:               ResourceID(e.Name),
		DisplayName:      e.DisplayName,
		SolutionType:     st,
		IndustryVertical: iv,
		CreateTime:       e.CreateTime,
		DataStoreIDs:     e.DataStoreIDs,
	}
}

// DataStore is one data store attached to an engine. Error is set instead
// of the other fields when that store could not be loaded.
type DataStore struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	DisplayName      string   `json:"display_name,omitempty"`
	IndustryVertical string   `json:"industry_vertical,omitempty"`
	SolutionTypes    []string `json:"solution_types,omitempty"`
	ContentConfig    string   `json:"content_config,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// ListEngines lists every engine in the target's collection.
func (c *Client) ListEngines(ctx context.Context, t Target) ([]Engine, error) {
	if err := t.ValidateProject(); err != nil {
		return nil, err
	}
	engines := make([]Engine, 0)
	pageToken := ""
	for page := 0; page < maxEnginePages; page++ {
		q := url.Values{}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var resp struct {
			Engines       []engineResource `json:"engines"`
			NextPageToken string           `json:"nextPageToken"`
		}
		err := c.DoJSON(ctx, Call{
			API:     "listEngines",
			Target:  t,
			Version: VersionV1,
			Path:    t.CollectionPath() + "/engines",
			Query:   q,
		}, &resp)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Engines {
			engines = append(engines, e.toEngine())
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return engines, nil
}

// GetEngine returns one engine summary.
func (c *Client) GetEngine(ctx context.Context, t Target) (*Engine, error) {
	if err := t.ValidateEngine(); err != nil {
		return nil, err
	}
	var res engineResource
	if err := c.DoJSON(ctx, Call{
		API:     "getEngine",
		Target:  t,
		Version: VersionV1,
		Path:    t.EnginePath(),
	}, &res); err != nil {
		return nil, err
	}
	e := res.toEngine()
	return &e, nil
}

// EngineDetails returns the engine resource verbatim.
func (c *Client) EngineDetails(ctx context.Context, t Target) (json.RawMessage, error) {
	if err := t.ValidateEngine(); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.DoJSON(ctx, Call{
		API:     "getEngine",
		Target:  t,
		Version: VersionV1,
		Path:    t.EnginePath(),
	}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// EngineDataStores loads every data store attached to the engine.
//
// # Description
//
// Stores are fetched concurrently. A failure for one store is reported in
// that store's Error field and does not fail the call. Only a failure to
// read the engine itself, or cancellation, is returned as an error.
//
// # Outputs
//
//   - []DataStore: One entry per data store id, in engine order.
func (c *Client) EngineDataStores(ctx context.Context, t Target) ([]DataStore, error) {
	engine, err := c.GetEngine(ctx, t)
	if err != nil {
		return nil, err
	}

	stores := make([]DataStore, len(engine.DataStoreIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dataStoreConcurrency)
	for i, id := range engine.DataStoreIDs {
		g.Go(func() error {
			stores[i] = c.getDataStore(gctx, t, id)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stores, nil
}

func (c *Client) getDataStore(ctx context.Context, t Target, id string) DataStore {
	var res struct {
		Name             string   `json:"name"`
		DisplayName      string   `json:"displayName"`
		IndustryVertical string   `json:"industryVertical"`
		SolutionTypes    []string `json:"solutionTypes"`
		ContentConfig    string   `json:"contentConfig"`
	}
	err := c.DoJSON(ctx, Call{
		API:     "getDataStore",
		Target:  t,
		Method:  http.MethodGet,
		Version: VersionV1,
		Path:    t.DataStorePath(id),
	}, &res)
	if err != nil {
		return DataStore{
			ID:    id,
			Name:  "Error loading " + id,
			Error: ErrorMessage(err),
		}
	}
	return DataStore{
		ID:               id,
		Name:             res.Name,
		DisplayName:      res.DisplayName,
		IndustryVertical: res.IndustryVertical,
		SolutionTypes:    res.SolutionTypes,
		ContentConfig:    res.ContentConfig,
	}
}
