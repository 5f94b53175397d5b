package engine

import (
	"fmt"

	"github.com/weftworks/weft/internal/registry"
)

// StepSpec is one step as produced by the planner. DependsOn holds 0-based
// indices into the graph; stable step ids are assigned at Submit.
type StepSpec struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Tool        string         `json:"tool"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	DependsOn   []int          `json:"depends_on,omitempty"`
}

// StepGraph is a validated plan ready for submission.
type StepGraph struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Steps       []StepSpec `json:"steps"`
}

// Validate rejects graphs the engine must never admit: empty plans, steps
// referencing unknown/disabled tools or actions, out-of-range dependency
// indices, and cycles.
func (g StepGraph) Validate(reg *registry.Registry) error {
	if len(g.Steps) == 0 {
		return ErrEmptyPlan
	}

	for i, s := range g.Steps {
		desc, ok := reg.Get(s.Tool)
		if !ok || !desc.Enabled {
			return fmt.Errorf("step %d: tool %q: %w", i, s.Tool, ErrUnknownToolOrAction)
		}
		if _, ok := desc.Action(s.Action); !ok {
			return fmt.Errorf("step %d: action %s.%s: %w", i, s.Tool, s.Action, ErrUnknownToolOrAction)
		}
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= len(g.Steps) {
				return fmt.Errorf("step %d: dependency index %d out of range", i, dep)
			}
			if dep == i {
				return fmt.Errorf("step %d: %w", i, ErrCyclicPlan)
			}
		}
	}

	return g.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the dependency indices.
func (g StepGraph) checkAcyclic() error {
	n := len(g.Steps)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, s := range g.Steps {
		indegree[i] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], i)
		}
	}

	var queue []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[node] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != n {
		return ErrCyclicPlan
	}
	return nil
}
