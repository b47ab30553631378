package graph

import (
	"strings"

	"github.com/seqlab/conveyor/pkg/schema"
)

// Graph is the in-memory dependency graph of a workflow. Built once per
// poll cycle from the stored step definitions; holds no execution state.
type Graph struct {
	Order      []string            // step names in declaration order
	Topo       []string            // topological order (dependencies first)
	Deps       map[string][]string // step name → dependencies (depends_on)
	Dependents map[string][]string // step name → dependents (who depends on me)
}

// Build validates step dependencies and constructs the graph. It rejects
// duplicate step names, dangling depends_on references, and cycles.
func Build(steps []schema.StepDefinition) (*Graph, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Order:      make([]string, 0, len(steps)),
		Deps:       make(map[string][]string, len(steps)),
		Dependents: make(map[string][]string, len(steps)),
	}

	// First pass: register step names, reject duplicates.
	for i, step := range steps {
		if step.StepName == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty step_name", i)
		}
		if _, exists := g.Deps[step.StepName]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.StepName)
		}
		g.Order = append(g.Order, step.StepName)
		g.Deps[step.StepName] = nil
	}

	// Second pass: build adjacency lists, validate references.
	for _, step := range steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Deps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeDanglingReference,
					"step %s depends on non-existent step: %s", step.StepName, dep).WithStep(step.StepName)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate dependency: %s", step.StepName, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Dependents[dep] = append(g.Dependents[dep], step.StepName)
		}
		g.Deps[step.StepName] = deps
	}

	topo, err := g.sortTopological()
	if err != nil {
		return nil, err
	}
	g.Topo = topo

	return g, nil
}

// DFS colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// sortTopological runs a three-color depth-first search over the
// dependency edges. It returns steps in dependency order, or a
// CYCLE_DETECTED error naming the cycle path.
func (g *Graph) sortTopological() ([]string, error) {
	color := make(map[string]int, len(g.Order))
	topo := make([]string, 0, len(g.Order))

	var path []string
	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		path = append(path, name)

		for _, dep := range g.Deps[name] {
			switch color[dep] {
			case gray:
				return schema.NewErrorf(schema.ErrCodeCycleDetected,
					"circular dependency detected: %s", cyclePath(path, dep))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		topo = append(topo, name)
		return nil
	}

	for _, name := range g.Order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}

	return topo, nil
}

// cyclePath renders the portion of the DFS path that closes the cycle,
// e.g. "a -> b -> a".
func cyclePath(path []string, repeat string) string {
	start := 0
	for i, name := range path {
		if name == repeat {
			start = i
			break
		}
	}
	var b strings.Builder
	for _, name := range path[start:] {
		b.WriteString(name)
		b.WriteString(" -> ")
	}
	b.WriteString(repeat)
	return b.String()
}

// ReadySteps returns the pending or ready steps whose dependencies have
// all succeeded, in declaration order.
func (g *Graph) ReadySteps(statuses map[string]schema.StepStatus) []string {
	var ready []string
	for _, name := range g.Order {
		st := statuses[name]
		if st != schema.StepStatusPending && st != schema.StepStatusReady {
			continue
		}
		ok := true
		for _, dep := range g.Deps[name] {
			if statuses[dep] != schema.StepStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Cascade returns the steps that must be marked upstream_failed: every
// still-pending or ready transitive descendant of a failed,
// upstream_failed, or cancelled step. Computed in a single pass so a
// whole failed subtree resolves in one poll cycle.
func (g *Graph) Cascade(statuses map[string]schema.StepStatus) []string {
	blocked := make(map[string]bool)

	var mark func(name string)
	mark = func(name string) {
		for _, dep := range g.Dependents[name] {
			st := statuses[dep]
			if blocked[dep] || (st != schema.StepStatusPending && st != schema.StepStatusReady) {
				continue
			}
			blocked[dep] = true
			mark(dep)
		}
	}

	for _, name := range g.Order {
		switch statuses[name] {
		case schema.StepStatusFailed, schema.StepStatusUpstreamFailed, schema.StepStatusCancelled:
			mark(name)
		}
	}

	// Declaration order keeps status writes deterministic.
	var out []string
	for _, name := range g.Order {
		if blocked[name] {
			out = append(out, name)
		}
	}
	return out
}
