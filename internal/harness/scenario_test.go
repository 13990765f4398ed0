package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: one build
steps:
  - compose: { tree: T1, version: "41.1", changed: true }
    config: 1
assertions:
  - type: latest
    build: "41.1"
`

func TestLoadScenario_ValidFile(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/incremental_sequence.yaml")
	require.NoError(t, err)

	assert.Equal(t, "incremental_sequence", s.Name)
	assert.Equal(t, DefaultImages, s.Images)
	require.Len(t, s.Steps, 4)
	assert.Equal(t, ComposeStep{Tree: "T1", Version: "41.1", Changed: true}, s.Steps[0].Compose)
	require.NotNil(t, s.Steps[0].Expect)
	require.NotNil(t, s.Steps[0].Expect.Generation)
	assert.Equal(t, 0, *s.Steps[0].Expect.Generation)
	assert.Nil(t, s.Steps[1].Expect.Generation)
	assert.Equal(t, 2, s.Steps[2].Config)
	assert.Len(t, s.Assertions, 5)
}

func TestLoadScenario_AllTestdataScenariosParse(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			assert.NoError(t, err)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	assert.Zero(t, s.Retention.Keep)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing name",
			doc:     "description: d\nsteps: [{compose: {tree: T1, version: '1'}}]\nassertions: [{type: latest}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			doc:     "name: n\nsteps: [{compose: {tree: T1, version: '1'}}]\nassertions: [{type: latest}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			doc:     "name: n\ndescription: d\nassertions: [{type: latest}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {tree: T1, version: '1'}}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "missing tree",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {version: '1'}}]\nassertions: [{type: latest}]\n",
			wantErr: "steps[0]: compose.tree is required",
		},
		{
			name:    "missing version",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {tree: T1}}]\nassertions: [{type: latest}]\n",
			wantErr: "steps[0]: compose.version is required",
		},
		{
			name:    "bad outcome",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {tree: T1, version: '1'}, expect: {outcome: done}}]\nassertions: [{type: latest}]\n",
			wantErr: "outcome must be built, skipped or aborted",
		},
		{
			name:    "error on success",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {tree: T1, version: '1'}, expect: {outcome: built, error: INPUT_ERROR}}]\nassertions: [{type: latest}]\n",
			wantErr: "error is only valid for aborted runs",
		},
		{
			name:    "bad max age",
			doc:     "name: n\ndescription: d\nretention: {max_age: soon}\nsteps: [{compose: {tree: T1, version: '1'}}]\nassertions: [{type: latest}]\n",
			wantErr: "retention.max_age",
		},
		{
			name:    "unknown assertion",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {tree: T1, version: '1'}}]\nassertions: [{type: trace_order}]\n",
			wantErr: `unknown assertion type "trace_order"`,
		},
		{
			name:    "states step out of range",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {tree: T1, version: '1'}}]\nassertions: [{type: states, step: 2, states: [INIT]}]\n",
			wantErr: "step must be between 1 and 1",
		},
		{
			name:    "image count without kind",
			doc:     "name: n\ndescription: d\nsteps: [{compose: {tree: T1, version: '1'}}]\nassertions: [{type: image_count, count: 1}]\n",
			wantErr: "kind is required for image_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_ComposeErrorNeedsNoTree(t *testing.T) {
	doc := "name: n\ndescription: d\nsteps: [{compose_error: boom, expect: {outcome: aborted}}]\nassertions: [{type: latest}]\n"
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "boom", s.Steps[0].ComposeError)
}
