package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "schemas"), 0755))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `
name: test_scenario
description: "Test scenario for validation"
schemas:
  - schemas
steps:
  - write: Order.qty
    value: 1
  - flush: true
assertions:
  - type: field_equals
    field: Order.qty
    value: 1
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, []string{filepath.Join(dir, "schemas")}, scenario.Schemas)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, "write", scenario.Steps[0].action())
	assert.Equal(t, "harness", scenario.Steps[0].writer())
	assert.Equal(t, 1, scenario.Steps[0].Value)
	assert.Equal(t, "flush", scenario.Steps[1].action())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: typo
description: "unknown key"
schemas: [schemas]
steps:
  - write: Order.qty
assertion:
  - type: queue_length
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing name",
			body: "description: d\nschemas: [schemas]\nsteps: [{flush: true}]\nassertions: [{type: queue_length}]\n",
			want: "name is required",
		},
		{
			name: "missing schema dir",
			body: "name: n\ndescription: d\nschemas: [nope]\nsteps: [{flush: true}]\nassertions: [{type: queue_length}]\n",
			want: "schema directory not found",
		},
		{
			name: "no steps",
			body: "name: n\ndescription: d\nschemas: [schemas]\nassertions: [{type: queue_length}]\n",
			want: "steps list is required",
		},
		{
			name: "two actions in one step",
			body: "name: n\ndescription: d\nschemas: [schemas]\nsteps: [{write: Order.qty, flush: true}]\nassertions: [{type: queue_length}]\n",
			want: "exactly one of",
		},
		{
			name: "bad field key",
			body: "name: n\ndescription: d\nschemas: [schemas]\nsteps: [{write: qty}]\nassertions: [{type: queue_length}]\n",
			want: "invalid field key",
		},
		{
			name: "unknown assertion",
			body: "name: n\ndescription: d\nschemas: [schemas]\nsteps: [{flush: true}]\nassertions: [{type: final_state}]\n",
			want: "unknown assertion type",
		},
		{
			name: "short trace order",
			body: "name: n\ndescription: d\nschemas: [schemas]\nsteps: [{flush: true}]\nassertions: [{type: trace_order, transforms: [A.x]}]\n",
			want: "at least two transforms",
		},
		{
			name: "unknown event",
			body: "name: n\ndescription: d\nschemas: [schemas]\nsteps: [{flush: true}]\nassertions: [{type: trace_count, event: atom_created}]\n",
			want: "unknown event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), tt.body)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
