// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request bodies of the relay HTTP API and
// their validation rules.
package datatypes

import (
	"github.com/AleutianAI/DiscoveryRelay/services/relay/discovery"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/stream"
	"github.com/go-playground/validator/v10"
)

// MaxQueryBytes bounds the text of a search or conversation query.
const MaxQueryBytes = 32 * 1024

// =============================================================================
// Shared Validator Instance
// =============================================================================

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// =============================================================================
// Target Selection
// =============================================================================

// TargetFields lets a request name the project, location and engine it
// addresses. Empty fields fall back to the configured defaults.
//
// The same fields bind from a JSON body or from query parameters.
type TargetFields struct {
	ProjectNumber string `json:"project_number,omitempty" form:"project_number" validate:"omitempty,excludes=/"`
	Location      string `json:"location,omitempty" form:"location" validate:"omitempty,excludes=/"`
	EngineID      string `json:"engine_id,omitempty" form:"engine_id" validate:"omitempty,excludes=/"`
}

// Resolve merges the request's fields over fallback.
func (f TargetFields) Resolve(fallback discovery.Target) discovery.Target {
	return discovery.Target{
		ProjectNumber: f.ProjectNumber,
		Location:      f.Location,
		EngineID:      f.EngineID,
	}.Merge(fallback)
}

// TargetQuery is the query string of GET endpoints.
type TargetQuery struct {
	TargetFields
	PageSize int `form:"page_size" validate:"omitempty,min=1,max=100"`
}

// Validate validates the query fields.
func (q *TargetQuery) Validate() error {
	return requestValidate.Struct(q)
}

// =============================================================================
// Search
// =============================================================================

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	TargetFields
	Query           string `json:"query" validate:"required,maxbytes"`
	PageSize        int    `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
	LanguageCode    string `json:"language_code,omitempty" validate:"omitempty,bcp47_language_tag"`
	SpellCorrection *bool  `json:"spell_correction,omitempty"`
}

// Validate validates the SearchRequest fields.
func (r *SearchRequest) Validate() error {
	return requestValidate.Struct(r)
}

// =============================================================================
// Conversations
// =============================================================================

// ConversationRequest is the body of the converse endpoints.
//
// # Fields
//
//   - Query: The user's question. The streaming endpoints accept an empty
//     query and report it as an in-band error event. The non-streaming
//     endpoint rejects it with 400.
//   - ContinuationToken: Conversation to continue, as returned in a
//     session event. Empty starts a new conversation.
//   - SessionHint: Caller-chosen pseudo user id.
type ConversationRequest struct {
	TargetFields
	Query             string `json:"query" validate:"maxbytes"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	SessionHint       string `json:"session_hint,omitempty" validate:"omitempty,max=128"`
}

// Validate validates the ConversationRequest fields.
func (r *ConversationRequest) Validate() error {
	return requestValidate.Struct(r)
}

// StreamQuery converts the request into a relay query.
func (r *ConversationRequest) StreamQuery() stream.Query {
	return stream.Query{
		Text:              r.Query,
		ContinuationToken: r.ContinuationToken,
		SessionHint:       r.SessionHint,
	}
}

// AssistRequest is the body of POST /v1/assist/stream.
type AssistRequest struct {
	ConversationRequest
	AssistantID    string `json:"assistant_id,omitempty" validate:"omitempty,excludes=/"`
	AgentName      string `json:"agent,omitempty" validate:"omitempty,excludes=/"`
	GenerationMode string `json:"generation_mode,omitempty" validate:"omitempty,oneof=AGENT NORMAL"`
	WebGrounding   bool   `json:"web_grounding,omitempty"`
}

// Validate validates the AssistRequest fields.
func (r *AssistRequest) Validate() error {
	return requestValidate.Struct(r)
}

// Params returns the streamAssist parameters of the request.
func (r *AssistRequest) Params() discovery.AssistParams {
	return discovery.AssistParams{
		AssistantID:    r.AssistantID,
		AgentName:      r.AgentName,
		GenerationMode: r.GenerationMode,
		WebGrounding:   r.WebGrounding,
	}
}

// =============================================================================
// Notebooks
// =============================================================================

// CreateNotebookRequest is the body of POST /v1/notebooks.
type CreateNotebookRequest struct {
	TargetFields
	Title string `json:"title" validate:"required,max=512"`
}

// Validate validates the CreateNotebookRequest fields.
func (r *CreateNotebookRequest) Validate() error {
	return requestValidate.Struct(r)
}

// NamesRequest is the body of the batch delete endpoints. Names are
// resource names or bare ids.
type NamesRequest struct {
	TargetFields
	Names []string `json:"names" validate:"required,min=1,max=100,dive,required"`
}

// Validate validates the NamesRequest fields.
func (r *NamesRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ShareNotebookRequest is the body of POST /v1/notebooks/:id/share.
type ShareNotebookRequest struct {
	TargetFields
	AccountAndRoles []discovery.AccountAndRole `json:"account_and_roles" validate:"required,min=1,dive"`
}

// Validate validates the ShareNotebookRequest fields.
func (r *ShareNotebookRequest) Validate() error {
	return requestValidate.Struct(r)
}

// CreateSourcesRequest is the body of POST /v1/notebooks/:id/sources/batch-create.
type CreateSourcesRequest struct {
	TargetFields
	UserContents []discovery.UserContent `json:"user_contents" validate:"required,min=1,max=50,dive"`
}

// Validate validates field tags and the one-kind rule of each content.
func (r *CreateSourcesRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return err
	}
	for _, uc := range r.UserContents {
		if err := uc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ImportObjectRequest is the body of POST /v1/notebooks/:id/sources/import-gcs.
type ImportObjectRequest struct {
	TargetFields
	URI string `json:"gcs_uri" validate:"required,startswith=gs://"`
}

// Validate validates the ImportObjectRequest fields.
func (r *ImportObjectRequest) Validate() error {
	return requestValidate.Struct(r)
}
