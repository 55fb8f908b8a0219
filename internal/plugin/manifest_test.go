// Copyright 2026 Hatago Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plugin

import (
	"errors"
	"testing"

	"gotest.tools/assert"
)

func validManifestJSON() string {
	return `{
		"name": "demo",
		"version": "1.0.0",
		"description": "A demo plugin",
		"engines": {"hatago": ">=1.0.0"},
		"capabilities": ["kv", "crypto"],
		"entry": {"default": "demo.factory"}
	}`
}

func TestParseValidManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON()))
	assert.NilError(t, err)
	assert.Equal(t, m.Name, "demo")
	assert.Equal(t, m.Engines.Hatago, ">=1.0.0")
	assert.Equal(t, len(m.Capabilities), 2)
	assert.Equal(t, m.Entry.Default, "demo.factory")
}

func TestManifestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		json string
		want string
	}{
		{
			name: "missing name",
			json: `{"version":"1","description":"d","engines":{"hatago":"1"},"entry":{"default":"f"}}`,
			want: "missing name",
		},
		{
			name: "missing version",
			json: `{"name":"n","description":"d","engines":{"hatago":"1"},"entry":{"default":"f"}}`,
			want: "missing version",
		},
		{
			name: "missing description",
			json: `{"name":"n","version":"1","engines":{"hatago":"1"},"entry":{"default":"f"}}`,
			want: "missing description",
		},
		{
			name: "missing engines.hatago",
			json: `{"name":"n","version":"1","description":"d","entry":{"default":"f"}}`,
			want: "missing engines.hatago",
		},
		{
			name: "capabilities not an array",
			json: `{"name":"n","version":"1","description":"d","engines":{"hatago":"1"},"capabilities":"kv","entry":{"default":"f"}}`,
			want: "capabilities must be an array",
		},
		{
			name: "missing entry.default",
			json: `{"name":"n","version":"1","description":"d","engines":{"hatago":"1"}}`,
			want: "missing entry.default",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tc.json))
			assert.Assert(t, errors.Is(err, ErrManifestInvalid))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestManifestRejectsUnknownCapability(t *testing.T) {
	json := `{"name":"n","version":"1","description":"d","engines":{"hatago":"1"},"capabilities":["teleport"],"entry":{"default":"f"}}`
	_, err := ParseManifest([]byte(json))
	assert.Assert(t, errors.Is(err, ErrCapabilityUnavailable))
	assert.ErrorContains(t, err, "unavailable capability: teleport")
}
