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
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestAPIHost verifies the global and regional host rule.
func TestAPIHost(t *testing.T) {
	assert.Equal(t, "discoveryengine.googleapis.com", APIHost("global"))
	assert.Equal(t, "discoveryengine.googleapis.com", APIHost(""))
	assert.Equal(t, "us-discoveryengine.googleapis.com", APIHost("us"))
	assert.Equal(t, "eu-discoveryengine.googleapis.com", APIHost("eu"))
}

// TestTarget_Paths verifies resource names built from a target.
func TestTarget_Paths(t *testing.T) {
	tg := Target{ProjectNumber: "123", EngineID: "eng"}
	base := "projects/123/locations/us/collections/default_collection"

	assert.Equal(t, "projects/123/locations/us", tg.Parent())
	assert.Equal(t, base, tg.CollectionPath())
	assert.Equal(t, base+"/engines/eng", tg.EnginePath())
	assert.Equal(t, base+"/engines/eng/servingConfigs/default_search", tg.ServingConfig())
	assert.Equal(t, base+"/engines/eng/conversations/c1", tg.ConversationName("c1"))
	assert.Equal(t, base+"/engines/eng/assistants/default_assistant", tg.AssistantPath(""))
	assert.Equal(t, base+"/engines/eng/assistants/a/agents/x", tg.AgentPath("a", "x"))
	assert.Equal(t, base+"/engines/eng/sessions/-", tg.SessionPath(""))
	assert.Equal(t, base+"/dataStores/ds", tg.DataStorePath("ds"))
	assert.Equal(t, "projects/123/locations/us/notebooks/nb", tg.NotebookPath("nb"))
}

// TestTarget_Merge verifies empty fields come from the fallback.
func TestTarget_Merge(t *testing.T) {
	got := Target{EngineID: "override"}.Merge(Target{ProjectNumber: "9", Location: "eu", EngineID: "default"})

	assert.Equal(t, Target{
		ProjectNumber: "9",
		Location:      "eu",
		EngineID:      "override",
		CollectionID:  DefaultCollection,
	}, got)
}

// TestTarget_Validate verifies required fields and path separator checks.
func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name      string
		target    Target
		projectOK bool
		engineOK  bool
	}{
		{"complete", Target{ProjectNumber: "1", EngineID: "e"}, true, true},
		{"no engine", Target{ProjectNumber: "1"}, true, false},
		{"no project", Target{EngineID: "e"}, false, false},
		{"slash in engine", Target{ProjectNumber: "1", EngineID: "e/../x"}, true, false},
		{"slash in location", Target{ProjectNumber: "1", Location: "us/x", EngineID: "e"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.projectOK {
				assert.NoError(t, tt.target.ValidateProject())
			} else {
				assert.ErrorIs(t, tt.target.ValidateProject(), ErrInvalidTarget)
			}
			if tt.engineOK {
				assert.NoError(t, tt.target.ValidateEngine())
			} else {
				assert.ErrorIs(t, tt.target.ValidateEngine(), ErrInvalidTarget)
			}
		})
	}
}

// TestResourceResolution verifies continuation tokens resolve to resource
// names.
func TestResourceResolution(t *testing.T) {
	tg := Target{ProjectNumber: "1", EngineID: "e"}

	assert.Equal(t, tg.ConversationName("-"), ConversationResource(tg, ""))
	assert.Equal(t, tg.ConversationName("abc"), ConversationResource(tg, "abc"))
	assert.Equal(t, "p/x/conversations/abc", ConversationResource(tg, "p/x/conversations/abc"))

	assert.Equal(t, tg.SessionPath("-"), SessionResource(tg, ""))
	assert.Equal(t, tg.SessionPath("s"), SessionResource(tg, "s"))
	assert.Equal(t, "p/x/sessions/s", SessionResource(tg, "p/x/sessions/s"))
}

// TestResourceID verifies last segment extraction.
func TestResourceID(t *testing.T) {
	assert.Equal(t, "eng", ResourceID("projects/1/engines/eng"))
	assert.Equal(t, "eng", ResourceID("projects/1/engines/eng/"))
	assert.Equal(t, "plain", ResourceID("plain"))
}

// TestNotebookURL verifies both identity domains.
func TestNotebookURL(t *testing.T) {
	tg := Target{ProjectNumber: "123", Location: "global"}

	assert.Equal(t, "https://notebooklm.cloud.google.com/global/notebook/nb1?project=123", NotebookURL(tg, "nb1", true))
	assert.Equal(t, "https://notebooklm.cloud.google/global/notebook/nb1?project=123", NotebookURL(tg, "nb1", false))
}
