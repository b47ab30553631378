package resolve

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/seqlab/conveyor/pkg/schema"
)

// Scope holds all data available for variable resolution. StepOutputs
// and StepParams carry entries only for steps whose values are already
// persisted; KnownSteps carries every step name in the workflow so
// missing-vs-premature can be told apart.
type Scope struct {
	Base        map[string]any
	Params      map[string]any
	StepOutputs map[string]map[string]string
	StepParams  map[string]map[string]any
	KnownSteps  map[string]bool
}

// ResolveString resolves all references in a template string. A
// template that is exactly one reference preserves the referenced
// value's type; mixed templates render to a string. Resolution of a
// reference-free string is the identity.
func ResolveString(input string, scope *Scope) (any, error) {
	t, err := Parse(input)
	if err != nil {
		return nil, err
	}

	if ref, ok := t.singleRef(); ok {
		return lookup(ref, scope)
	}

	var b strings.Builder
	b.Grow(len(input))
	for _, n := range t.nodes {
		switch v := n.(type) {
		case literalNode:
			b.WriteString(string(v))
		case refNode:
			val, err := lookup(Ref(v), scope)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(val))
		}
	}
	return b.String(), nil
}

// ResolveValue walks a JSON value tree and resolves every string leaf.
// Non-string scalars pass through untouched.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveParams resolves a step's params tree against the scope.
func ResolveParams(params map[string]any, scope *Scope) (map[string]any, error) {
	resolved, err := ResolveValue(params, scope)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	return resolved.(map[string]any), nil
}

// ResolveOutputs resolves a step's output expressions to string
// literals. Called at step completion with the step's own resolved
// params in scope.
func ResolveOutputs(outputs map[string]string, scope *Scope) (map[string]string, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(outputs))
	for name, expr := range outputs {
		val, err := ResolveString(expr, scope)
		if err != nil {
			return nil, err
		}
		out[name] = stringify(val)
	}
	return out, nil
}

// ResolveBase substitutes only base-context references, re-rendering
// every other reference verbatim. Used at submission time, before any
// step has run.
func ResolveBase(v any, base map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveBaseString(val, base)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := ResolveBase(elem, base)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := ResolveBase(elem, base)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveBaseString(input string, base map[string]any) (any, error) {
	t, err := Parse(input)
	if err != nil {
		return nil, err
	}

	if ref, ok := t.singleRef(); ok && ref.Kind == RefBase {
		return lookupBase(ref, base)
	}

	var b strings.Builder
	b.Grow(len(input))
	for _, n := range t.nodes {
		switch v := n.(type) {
		case literalNode:
			b.WriteString(string(v))
		case refNode:
			ref := Ref(v)
			if ref.Kind != RefBase {
				b.WriteString(ref.String())
				continue
			}
			val, err := lookupBase(ref, base)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(val))
		}
	}
	return b.String(), nil
}

// ExtractRefs parses a string and returns its references. Used by
// submission validation.
func ExtractRefs(input string) ([]Ref, error) {
	t, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return t.Refs(), nil
}

// lookup resolves a single reference against the scope.
func lookup(ref Ref, scope *Scope) (any, error) {
	switch ref.Kind {
	case RefBase:
		return lookupBase(ref, scope.Base)

	case RefParam:
		val, ok := scope.Params[ref.Name]
		if !ok {
			return nil, unresolved(ref, "param", mapKeys(scope.Params))
		}
		return val, nil

	case RefStepOutput:
		outputs, ok := scope.StepOutputs[ref.Step]
		if !ok {
			return nil, stepUnavailable(ref, scope)
		}
		val, ok := outputs[ref.Name]
		if !ok {
			return nil, unresolved(ref, "output", stringMapKeys(outputs))
		}
		return val, nil

	case RefStepParam:
		params, ok := scope.StepParams[ref.Step]
		if !ok {
			return nil, stepUnavailable(ref, scope)
		}
		val, ok := params[ref.Name]
		if !ok {
			return nil, unresolved(ref, "param", mapKeys(params))
		}
		return val, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVariable, "unknown reference kind in %s", ref)
	}
}

func lookupBase(ref Ref, base map[string]any) (any, error) {
	val, ok := base[ref.Name]
	if !ok {
		return nil, unresolved(ref, "base context key", mapKeys(base))
	}
	return val, nil
}

// stepUnavailable distinguishes a reference to a step that exists but
// has not succeeded yet (premature, retried next cycle) from one that
// does not exist at all.
func stepUnavailable(ref Ref, scope *Scope) error {
	if scope.KnownSteps[ref.Step] {
		return schema.NewErrorf(schema.ErrCodePrematureReference,
			"step %q referenced in %s has not completed", ref.Step, ref).
			WithDetails(map[string]any{"expression": ref.String(), "step": ref.Step})
	}
	return unresolved(ref, "step", nil)
}

func unresolved(ref Ref, kind string, available []string) error {
	name := ref.Name
	if kind == "step" {
		name = ref.Step
	}
	msg := fmt.Sprintf("%s %q not found in %s", kind, name, ref)
	if len(available) > 0 {
		msg += fmt.Sprintf("; available: [%s]", strings.Join(available, ", "))
	}
	return schema.NewError(schema.ErrCodeUnresolvedVariable, msg).
		WithDetails(map[string]any{"expression": ref.String()})
}

// stringify converts a resolved value to its string rendering for
// embedding inside a larger template.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func stringMapKeys(m map[string]string) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
