package workflow

import (
	"fmt"

	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
)

// DefaultMaxDepth bounds the longest dependency chain a plan may declare.
const DefaultMaxDepth = 20

// Validate checks a plan before any step executes: duplicate ids, unknown
// dependencies, cycles, chain depth, on_error values, and the output-step
// designation. maxDepth non-positive uses DefaultMaxDepth.
func Validate(def *Definition, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if def == nil || len(def.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}

	byID := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has an empty id", i)
		}
		if s.Tool == "" {
			return fmt.Errorf("step %q has no tool", s.ID)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		byID[s.ID] = i
	}

	for _, s := range def.Steps {
		switch s.OnError {
		case "", OnErrorFail, OnErrorContinue, OnErrorRetry:
		default:
			return fmt.Errorf("step %q has unknown on_error %q", s.ID, s.OnError)
		}
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fault.New(fault.WorkflowUnresolvable, s.ID,
					fmt.Sprintf("depends_on references unknown step %q", dep))
			}
		}
	}

	// Depth-first search tracking the recursion stack: a step revisited
	// while still on the stack is a cycle.
	const (unvisited, onStack, done = 0, 1, 2)
	state := make(map[string]int, len(def.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case onStack:
			return fault.New(fault.WorkflowCycle, id, "dependency cycle detected")
		case done:
			return nil
		}
		state[id] = onStack
		for _, dep := range def.Steps[byID[id]].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range def.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}

	// The graph is acyclic here, so chain lengths memoize safely.
	depth := make(map[string]int, len(def.Steps))
	var chain func(id string) int
	chain = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 1
		for _, dep := range def.Steps[byID[id]].DependsOn {
			if c := chain(dep) + 1; c > d {
				d = c
			}
		}
		depth[id] = d
		return d
	}
	for _, s := range def.Steps {
		if c := chain(s.ID); c > maxDepth {
			return fmt.Errorf("dependency chain through step %q is %d deep, limit is %d", s.ID, c, maxDepth)
		}
	}

	if def.OutputStep != "" {
		if _, ok := byID[def.OutputStep]; !ok {
			return fmt.Errorf("output_step %q is not a declared step", def.OutputStep)
		}
		return nil
	}
	for _, s := range def.Steps {
		if s.Parallel {
			return fmt.Errorf("plans with parallel steps must designate output_step")
		}
	}
	return nil
}
