package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayVariablesMerges(t *testing.T) {
	defaults := map[string]any{
		"region":  "us-west",
		"retries": float64(3),
		"nested":  map[string]any{"a": "x", "b": "y"},
	}
	input := map[string]any{
		"retries": float64(5),
		"nested":  map[string]any{"b": "z"},
		"extra":   true,
	}

	merged, err := overlayVariables(defaults, input)
	require.NoError(t, err)

	assert.Equal(t, "us-west", merged["region"])
	assert.Equal(t, float64(5), merged["retries"])
	assert.Equal(t, true, merged["extra"])
	nested := merged["nested"].(map[string]any)
	assert.Equal(t, "x", nested["a"], "untouched nested keys survive")
	assert.Equal(t, "z", nested["b"])
}

func TestOverlayVariablesNullDeletes(t *testing.T) {
	merged, err := overlayVariables(
		map[string]any{"keep": 1, "drop": 2},
		map[string]any{"drop": nil},
	)
	require.NoError(t, err)

	assert.Contains(t, merged, "keep")
	assert.NotContains(t, merged, "drop")
}

func TestOverlayVariablesEmpty(t *testing.T) {
	merged, err := overlayVariables(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, merged)
}

func TestLookupVarNestedPath(t *testing.T) {
	vars := map[string]any{
		"build": map[string]any{"artifact": map[string]any{"name": "app.tar"}},
	}

	v, ok := lookupVar(vars, "build.artifact.name")
	require.True(t, ok)
	assert.Equal(t, "app.tar", v)

	_, ok = lookupVar(vars, "build.missing")
	assert.False(t, ok)
}

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"name":  "web-1",
		"count": float64(4),
		"meta":  map[string]any{"env": "prod"},
	}

	assert.Equal(t, "deploy web-1 x4", interpolate("deploy ${name} x${count}", vars))
	assert.Equal(t, "env=prod", interpolate("env=${meta.env}", vars))
	assert.Equal(t, "keep ${unknown}", interpolate("keep ${unknown}", vars), "unresolvable refs stay intact")
	assert.Equal(t, "", interpolate("", vars))
}

func TestInterpolateRawPayload(t *testing.T) {
	vars := map[string]any{"target": "node-7"}
	raw := json.RawMessage(`{"host": "${target}"}`)

	out := interpolateRaw(raw, vars)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "node-7", decoded["host"])
}

func TestCloneScopeIsolation(t *testing.T) {
	parent := map[string]any{"a": 1}
	child := cloneScope(parent)
	child["b"] = 2

	assert.NotContains(t, parent, "b")
	assert.Equal(t, 1, child["a"])
}
