// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discovery is the REST layer in front of the Discovery Engine API.
//
// # Description
//
// It builds resource paths for a Target, attaches bearer credentials from a
// TokenProvider to every call, decodes upstream errors into
// *googleapi.Error, and exposes the routine operations (search, engines,
// assistants, conversations, notebooks) the relay service forwards.
//
// The streaming conversation adapters in package stream use Client.Stream
// and Client.DoJSON for their remote calls.
package discovery

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultCollection is the collection every engine lives in.
	DefaultCollection = "default_collection"

	// DefaultLocation is used when a request does not name one.
	DefaultLocation = "us"

	// DefaultServingConfig is the serving config used for search and converse.
	DefaultServingConfig = "default_search"

	// DefaultAssistant is the assistant container present in every engine.
	DefaultAssistant = "default_assistant"

	// NewSessionID asks the assistant to create a new session.
	NewSessionID = "-"

	// NewConversationID asks converse to create a new conversation.
	NewConversationID = "-"
)

// ErrInvalidTarget is returned when a target misses a required component.
var ErrInvalidTarget = errors.New("invalid target")

// Target names the project, location, and engine a call is addressed to.
type Target struct {
	ProjectNumber string `json:"project_number" yaml:"project_number"`
	Location      string `json:"location" yaml:"location"`
	EngineID      string `json:"engine_id" yaml:"engine_id"`
	CollectionID  string `json:"collection_id,omitempty" yaml:"collection_id"`
}

// WithDefaults fills location and collection when unset.
func (t Target) WithDefaults() Target {
	if t.Location == "" {
		t.Location = DefaultLocation
	}
	if t.CollectionID == "" {
		t.CollectionID = DefaultCollection
	}
	return t
}

// Merge returns t with empty fields taken from fallback.
func (t Target) Merge(fallback Target) Target {
	if t.ProjectNumber == "" {
		t.ProjectNumber = fallback.ProjectNumber
	}
	if t.Location == "" {
		t.Location = fallback.Location
	}
	if t.EngineID == "" {
		t.EngineID = fallback.EngineID
	}
	if t.CollectionID == "" {
		t.CollectionID = fallback.CollectionID
	}
	return t.WithDefaults()
}

// ValidateProject checks the fields every call needs.
func (t Target) ValidateProject() error {
	if t.ProjectNumber == "" {
		return fmt.Errorf("%w: project number is required", ErrInvalidTarget)
	}
	if strings.Contains(t.ProjectNumber, "/") || strings.Contains(t.Location, "/") {
		return fmt.Errorf("%w: path separators are not allowed", ErrInvalidTarget)
	}
	return nil
}

// ValidateEngine checks the fields engine-scoped calls need.
func (t Target) ValidateEngine() error {
	if err := t.ValidateProject(); err != nil {
		return err
	}
	if t.EngineID == "" {
		return fmt.Errorf("%w: engine id is required", ErrInvalidTarget)
	}
	if strings.Contains(t.EngineID, "/") {
		return fmt.Errorf("%w: path separators are not allowed", ErrInvalidTarget)
	}
	return nil
}

// APIHost returns the Discovery Engine host for a location.
//
// The global location has no regional prefix.
func APIHost(location string) string {
	if location == "" || location == "global" {
		return "discoveryengine.googleapis.com"
	}
	return location + "-discoveryengine.googleapis.com"
}

// Parent is projects/{p}/locations/{l}.
func (t Target) Parent() string {
	t = t.WithDefaults()
	return fmt.Sprintf("projects/%s/locations/%s", t.ProjectNumber, t.Location)
}

// CollectionPath is the collection resource name.
func (t Target) CollectionPath() string {
	t = t.WithDefaults()
	return fmt.Sprintf("%s/collections/%s", t.Parent(), t.CollectionID)
}

// EnginePath is the engine resource name.
func (t Target) EnginePath() string {
	return fmt.Sprintf("%s/engines/%s", t.CollectionPath(), t.EngineID)
}

// ServingConfig is the default search serving config of the engine.
func (t Target) ServingConfig() string {
	return fmt.Sprintf("%s/servingConfigs/%s", t.EnginePath(), DefaultServingConfig)
}

// ConversationName is the conversation resource name for id.
func (t Target) ConversationName(id string) string {
	return fmt.Sprintf("%s/conversations/%s", t.EnginePath(), id)
}

// AssistantPath is the assistant resource name for id.
func (t Target) AssistantPath(id string) string {
	if id == "" {
		id = DefaultAssistant
	}
	return fmt.Sprintf("%s/assistants/%s", t.EnginePath(), id)
}

// AgentPath is the resource name of an agent inside an assistant.
func (t Target) AgentPath(assistant, agent string) string {
	return fmt.Sprintf("%s/agents/%s", t.AssistantPath(assistant), agent)
}

// SessionPath is the session resource name for id.
func (t Target) SessionPath(id string) string {
	if id == "" {
		id = NewSessionID
	}
	return fmt.Sprintf("%s/sessions/%s", t.EnginePath(), id)
}

// DataStorePath is the data store resource name for id.
func (t Target) DataStorePath(id string) string {
	return fmt.Sprintf("%s/dataStores/%s", t.CollectionPath(), id)
}

// NotebookPath is the notebook resource name for id.
func (t Target) NotebookPath(id string) string {
	return fmt.Sprintf("%s/notebooks/%s", t.Parent(), id)
}

// ResourceID returns the last path segment of a resource name.
func ResourceID(name string) string {
	name = strings.TrimRight(name, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
