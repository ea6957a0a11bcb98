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
	"net/http"
	"strings"
)

// ConversationResource resolves a continuation token to a conversation
// resource name. A full resource name is used as-is; a bare id is placed
// under the target engine; an empty token starts a new conversation.
func ConversationResource(t Target, token string) string {
	if strings.Contains(token, "/") {
		return token
	}
	if token == "" {
		token = NewConversationID
	}
	return t.ConversationName(token)
}

// SessionResource resolves a continuation token or session hint to a
// session resource name, the same way ConversationResource does.
func SessionResource(t Target, token string) string {
	if strings.Contains(token, "/") {
		return token
	}
	return t.SessionPath(token)
}

// ConverseRequestBody is the JSON body of a converse call.
func ConverseRequestBody(t Target, query, userPseudoID string) map[string]any {
	body := map[string]any{
		"query":         map[string]any{"input": query},
		"servingConfig": t.ServingConfig(),
		"summarySpec": map[string]any{
			"includeCitations": true,
		},
	}
	if userPseudoID != "" {
		body["userPseudoId"] = userPseudoID
	}
	return body
}

// ReplyResult is a search result referenced by a conversation reply. ID
// is nil when upstream did not identify the document.
type ReplyResult struct {
	ID    *string `json:"id"`
	Title string  `json:"title"`
}

// ConversationReply is the complete answer of a non-streaming converse.
type ConversationReply struct {
	Text                  string        `json:"text,omitempty"`
	ConversationID        string        `json:"conversation_id,omitempty"`
	ConversationState     string        `json:"conversation_state,omitempty"`
	SearchResults         []ReplyResult `json:"search_results,omitempty"`
	SummarySkippedReasons []string      `json:"summary_skipped_reasons,omitempty"`
}

type converseResponse struct {
	Reply struct {
		Reply   string `json:"reply"`
		Summary struct {
			SummaryText           string   `json:"summaryText"`
			SummarySkippedReasons []string `json:"summarySkippedReasons"`
		} `json:"summary"`
	} `json:"reply"`
	Conversation struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"conversation"`
	SearchResults []struct {
		ID       string `json:"id"`
		Document struct {
			ID         string         `json:"id"`
			StructData map[string]any `json:"structData"`
		} `json:"document"`
	} `json:"searchResults"`
}

// Converse sends one query and waits for the complete reply.
//
// # Inputs
//
//   - ctx: Request context.
//   - t: Target engine.
//   - query: User query. Must not be empty.
//   - token: Conversation id or resource name to continue. Empty starts a
//     new conversation.
func (c *Client) Converse(ctx context.Context, t Target, query, token string) (*ConversationReply, error) {
	if err := t.ValidateEngine(); err != nil {
		return nil, err
	}
	var resp converseResponse
	err := c.DoJSON(ctx, Call{
		API:     "converse",
		Target:  t,
		Method:  http.MethodPost,
		Version: VersionV1,
		Path:    ConversationResource(t, token) + ":converse",
		Body:    ConverseRequestBody(t, query, ""),
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := &ConversationReply{
		Text:                  resp.Reply.Summary.SummaryText,
		SummarySkippedReasons: resp.Reply.Summary.SummarySkippedReasons,
		ConversationState:     resp.Conversation.State,
	}
	if out.Text == "" {
		out.Text = resp.Reply.Reply
	}
	if resp.Conversation.Name != "" {
		out.ConversationID = ResourceID(resp.Conversation.Name)
	}
	for _, sr := range resp.SearchResults {
		item := ReplyResult{}
		id := sr.Document.ID
		if id == "" {
			id = sr.ID
		}
		if id != "" {
			item.ID = &id
		}
		if title, ok := sr.Document.StructData["title"].(string); ok {
			item.Title = title
		}
		out.SearchResults = append(out.SearchResults, item)
	}
	return out, nil
}
