package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"

	"github.com/orbitmesh/orbitmesh/common/oerr"
)

var varRefPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// overlayVariables merges the caller's input onto the definition's
// defaults with RFC 7396 merge-patch semantics: input keys win, nested
// objects merge, explicit nulls delete.
func overlayVariables(defaults, input map[string]any) (map[string]any, error) {
	if len(defaults) == 0 && len(input) == 0 {
		return make(map[string]any), nil
	}

	base, err := json.Marshal(defaults)
	if err != nil {
		return nil, oerr.Wrap(oerr.Validation, err, "invalid default variables")
	}
	patch, err := json.Marshal(input)
	if err != nil {
		return nil, oerr.Wrap(oerr.Validation, err, "invalid input variables")
	}

	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, oerr.Wrap(oerr.Validation, err, "failed to merge input over defaults")
	}

	out := make(map[string]any)
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, oerr.Wrap(oerr.Validation, err, "merged variables are not an object")
	}
	return out, nil
}

// LookupPath resolves a dotted path into a JSON-like map. Used by the
// trigger service for input mapping.
func LookupPath(vars map[string]any, path string) (any, bool) {
	return lookupVar(vars, path)
}

// lookupVar resolves a dotted path into the variable scope.
func lookupVar(vars map[string]any, path string) (any, bool) {
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// interpolate substitutes ${path} references in s with the referenced
// variable values. Unresolvable references are left intact.
func interpolate(s string, vars map[string]any) string {
	if s == "" {
		return s
	}
	return varRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := m[2 : len(m)-1]
		v, ok := lookupVar(vars, path)
		if !ok {
			return m
		}
		switch tv := v.(type) {
		case string:
			return tv
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				return fmt.Sprint(tv)
			}
			return string(b)
		}
	})
}

// interpolateRaw substitutes ${path} references inside a raw JSON
// payload.
func interpolateRaw(raw json.RawMessage, vars map[string]any) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	return json.RawMessage(interpolate(string(raw), vars))
}

// cloneScope copies the variable scope one level deep. Branch scopes
// see parent values but their own bindings stay local.
func cloneScope(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	return out
}
