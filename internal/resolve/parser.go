package resolve

import (
	"fmt"
	"strings"

	"github.com/seqlab/conveyor/pkg/schema"
)

// RefKind tags the variants of a variable reference.
type RefKind int

const (
	RefBase       RefKind = iota // ${NAME} or ${base.NAME}
	RefParam                     // ${params.NAME}
	RefStepOutput                // ${steps.STEP.outputs.NAME}
	RefStepParam                 // ${steps.STEP.params.NAME}
)

// Ref is a single parsed variable reference.
type Ref struct {
	Kind RefKind
	Step string // set for step-scoped references
	Name string
	raw  string // original token text, for verbatim re-rendering
}

// String renders the reference back to its source form.
func (r Ref) String() string {
	return r.raw
}

// node is one segment of a parsed template: either a literal run of
// text or a variable reference.
type node interface{ node() }

type literalNode string

type refNode Ref

func (literalNode) node() {}
func (refNode) node()     {}

// Template is a parsed expression template. Resolution walks its nodes
// in order.
type Template struct {
	nodes []node
}

// IsLiteral reports whether the template contains no references, in
// which case resolution is the identity.
func (t *Template) IsLiteral() bool {
	for _, n := range t.nodes {
		if _, ok := n.(refNode); ok {
			return false
		}
	}
	return true
}

// Refs returns all references in the template, in order of appearance.
func (t *Template) Refs() []Ref {
	var refs []Ref
	for _, n := range t.nodes {
		if rn, ok := n.(refNode); ok {
			refs = append(refs, Ref(rn))
		}
	}
	return refs
}

// singleRef reports whether the template is exactly one reference with
// no surrounding literal text. Such templates preserve the referenced
// value's type during resolution.
func (t *Template) singleRef() (Ref, bool) {
	if len(t.nodes) != 1 {
		return Ref{}, false
	}
	rn, ok := t.nodes[0].(refNode)
	return Ref(rn), ok
}

// HasExpression reports whether a string contains any ${...} reference.
func HasExpression(s string) bool {
	return strings.Contains(s, "${")
}

// parser is a recursive-descent parser over a template string.
type parser struct {
	input string
	pos   int
}

// Parse parses a template string into literal and reference nodes.
// Malformed references return a MALFORMED_EXPRESSION error.
func Parse(input string) (*Template, error) {
	p := &parser{input: input}
	t := &Template{}

	for p.pos < len(p.input) {
		if p.startsRef() {
			ref, err := p.parseRef()
			if err != nil {
				return nil, err
			}
			t.nodes = append(t.nodes, refNode(ref))
			continue
		}
		t.nodes = append(t.nodes, literalNode(p.parseLiteral()))
	}

	return t, nil
}

func (p *parser) startsRef() bool {
	return strings.HasPrefix(p.input[p.pos:], "${")
}

// parseLiteral consumes text up to the next "${" marker or end of input.
func (p *parser) parseLiteral() string {
	start := p.pos
	for p.pos < len(p.input) && !p.startsRef() {
		p.pos++
	}
	return p.input[start:p.pos]
}

// parseRef consumes a "${ path }" token and classifies its path.
// Grammar: ref := "${" ident ("." ident)* "}".
func (p *parser) parseRef() (Ref, error) {
	start := p.pos
	p.pos += 2 // consume "${"

	end := strings.IndexByte(p.input[p.pos:], '}')
	if end == -1 {
		return Ref{}, malformed(p.input[start:], "unclosed '${' expression")
	}
	end += p.pos

	raw := p.input[start : end+1]
	body := p.input[p.pos:end]
	p.pos = end + 1

	if strings.TrimSpace(body) == "" {
		return Ref{}, malformed(raw, "empty variable reference")
	}
	if strings.Contains(body, "${") {
		return Ref{}, malformed(raw, "nested reference not allowed")
	}

	segments := strings.Split(body, ".")
	for i, seg := range segments {
		if seg == "" {
			return Ref{}, malformed(raw, fmt.Sprintf("empty path segment at position %d", i))
		}
	}

	return classify(raw, segments)
}

// classify maps a path to its reference variant.
func classify(raw string, segments []string) (Ref, error) {
	switch segments[0] {
	case "steps":
		// steps.<step>.outputs.<name> or steps.<step>.params.<name>
		if len(segments) != 4 {
			return Ref{}, malformed(raw, "step reference must be steps.<step>.outputs.<name> or steps.<step>.params.<name>")
		}
		switch segments[2] {
		case "outputs":
			return Ref{Kind: RefStepOutput, Step: segments[1], Name: segments[3], raw: raw}, nil
		case "params":
			return Ref{Kind: RefStepParam, Step: segments[1], Name: segments[3], raw: raw}, nil
		default:
			return Ref{}, malformed(raw, fmt.Sprintf("unknown step property %q; available: outputs, params", segments[2]))
		}

	case "params":
		if len(segments) != 2 {
			return Ref{}, malformed(raw, "param reference must be params.<name>")
		}
		return Ref{Kind: RefParam, Name: segments[1], raw: raw}, nil

	case "base":
		if len(segments) != 2 {
			return Ref{}, malformed(raw, "base reference must be base.<name>")
		}
		return Ref{Kind: RefBase, Name: segments[1], raw: raw}, nil

	default:
		// Bare ${NAME} addresses the base context.
		if len(segments) != 1 {
			return Ref{}, malformed(raw, fmt.Sprintf("unknown namespace %q; available: steps, params, base", segments[0]))
		}
		return Ref{Kind: RefBase, Name: segments[0], raw: raw}, nil
	}
}

func malformed(expr, reason string) error {
	return schema.NewErrorf(schema.ErrCodeMalformedExpression, "malformed expression %q: %s", expr, reason).
		WithDetails(map[string]any{"expression": expr})
}
