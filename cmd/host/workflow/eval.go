package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// Evaluator evaluates step conditions and transform expressions using
// CEL. Programs are parsed without type checking so expressions can
// reference any workflow variable by name; unknown names fail at
// evaluation time. Compiled programs are cached per expression.
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Eval evaluates an expression against the variable scope. The
// JSONPath-style prefix `$.field` is accepted as an alias for
// `vars.field`; bare names resolve against the scope directly.
func (e *Evaluator) Eval(expr string, vars map[string]any) (any, error) {
	normalized := normalizeExpr(expr)

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	activation := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		activation[k] = v
	}
	activation["vars"] = vars

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("expression evaluation error: %w", err)
	}
	return nativeValue(out), nil
}

// EvalBool evaluates a condition expression. The empty expression is
// vacuously true.
func (e *Evaluator) EvalBool(expr string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	out, err := e.Eval(expr, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean, got %T", out)
	}
	return b, nil
}

// normalizeExpr rewrites the `$.` alias to `vars.` outside string
// literals. Quoted text, including escaped quotes, passes through
// untouched.
func normalizeExpr(expr string) string {
	if !strings.Contains(expr, "$.") {
		return expr
	}

	var b strings.Builder
	b.Grow(len(expr) + 16)
	var quote byte
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case quote != 0:
			b.WriteByte(ch)
			if ch == '\\' && i+1 < len(expr) {
				i++
				b.WriteByte(expr[i])
			} else if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
			b.WriteByte(ch)
		case ch == '$' && i+1 < len(expr) && expr[i+1] == '.':
			b.WriteString("vars.")
			i++
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression parse error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// ClearCache drops all compiled programs.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// nativeValue unwraps a CEL result into plain Go values.
func nativeValue(v ref.Val) any {
	switch val := v.Value().(type) {
	case []ref.Val:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = nativeValue(item)
		}
		return out
	case map[ref.Val]ref.Val:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k.Value())] = nativeValue(item)
		}
		return out
	default:
		return val
	}
}
