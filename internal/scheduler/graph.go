package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// Graph indexes a run's subtasks by their dependency edges
type Graph struct {
	subtasks   []*domain.Subtask
	byID       map[string]*domain.Subtask
	dependents map[string][]string // subtask -> subtasks that depend on it
}

// NewGraph builds a Graph over subs, which is kept in index order
func NewGraph(subs []*domain.Subtask) *Graph {
	sorted := make([]*domain.Subtask, len(subs))
	copy(sorted, subs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	byID := make(map[string]*domain.Subtask, len(sorted))
	dependents := make(map[string][]string)
	for _, s := range sorted {
		byID[s.ID] = s
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	return &Graph{subtasks: sorted, byID: byID, dependents: dependents}
}

// Completed returns the set of completed subtask IDs
func (g *Graph) Completed() map[string]bool {
	done := make(map[string]bool)
	for _, s := range g.subtasks {
		if s.State == domain.SubtaskCompleted {
			done[s.ID] = true
		}
	}
	return done
}

// Ready returns pending subtasks whose dependencies are all completed, in index order
func (g *Graph) Ready() []*domain.Subtask {
	done := g.Completed()
	var ready []*domain.Subtask
	for _, s := range g.subtasks {
		if s.IsReady(done) {
			ready = append(ready, s)
		}
	}
	return ready
}

// Dependents returns the direct dependents of id in index order
func (g *Graph) Dependents(id string) []*domain.Subtask {
	var out []*domain.Subtask
	for _, depID := range g.dependents[id] {
		if s, ok := g.byID[depID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// DependencyDepth returns how many subtasks depend (transitively) on id.
// Dispatch prefers the subtasks that unblock the most work.
func (g *Graph) DependencyDepth(id string) int {
	visited := make(map[string]bool)
	return g.countDependents(id, visited)
}

func (g *Graph) countDependents(id string, visited map[string]bool) int {
	if visited[id] {
		return 0
	}
	visited[id] = true

	count := 0
	for _, depID := range g.dependents[id] {
		if visited[depID] {
			continue
		}
		count += 1 + g.countDependents(depID, visited)
	}
	return count
}

// ResolveDependencies maps every spec's dependencies (by index and by key)
// to plan indexes. It rejects duplicate indexes or keys, unknown references
// and self-dependencies.
func ResolveDependencies(specs []domain.SubtaskSpec) (map[int][]int, error) {
	byIndex := make(map[int]bool, len(specs))
	byKey := make(map[string]int, len(specs))
	for _, s := range specs {
		if s.Index < 0 {
			return nil, domain.Errorf(domain.ErrValidation, domain.EntitySubtask, "negative index %d", s.Index)
		}
		if byIndex[s.Index] {
			return nil, domain.Errorf(domain.ErrValidation, domain.EntitySubtask, "duplicate index %d", s.Index)
		}
		byIndex[s.Index] = true
		if s.IdempotencyKey != "" {
			if _, dup := byKey[s.IdempotencyKey]; dup {
				return nil, domain.Errorf(domain.ErrValidation, domain.EntitySubtask, "duplicate idempotency key %q", s.IdempotencyKey)
			}
			byKey[s.IdempotencyKey] = s.Index
		}
	}

	deps := make(map[int][]int, len(specs))
	for _, s := range specs {
		seen := make(map[int]bool)
		add := func(idx int) error {
			if !byIndex[idx] {
				return domain.Errorf(domain.ErrValidation, domain.EntitySubtask, "subtask %d depends on unknown subtask %d", s.Index, idx)
			}
			if idx == s.Index {
				return domain.Errorf(domain.ErrCyclicDependency, domain.EntitySubtask, "subtask %d depends on itself", s.Index)
			}
			if !seen[idx] {
				seen[idx] = true
				deps[s.Index] = append(deps[s.Index], idx)
			}
			return nil
		}
		for _, idx := range s.DependsOn {
			if err := add(idx); err != nil {
				return nil, err
			}
		}
		for _, key := range s.DependsOnKeys {
			idx, ok := byKey[key]
			if !ok {
				return nil, domain.Errorf(domain.ErrValidation, domain.EntitySubtask, "subtask %d depends on unknown key %q", s.Index, key)
			}
			if err := add(idx); err != nil {
				return nil, err
			}
		}
		sort.Ints(deps[s.Index])
	}
	return deps, nil
}

// ValidateGraph checks a decomposition plan: attempt budgets are usable,
// references resolve and the dependency graph is acyclic.
func ValidateGraph(specs []domain.SubtaskSpec) error {
	_, err := resolvePlan(specs)
	return err
}

// resolvePlan validates specs and returns their resolved dependencies
func resolvePlan(specs []domain.SubtaskSpec) (map[int][]int, error) {
	for _, s := range specs {
		if s.MaxAttempts < 0 {
			return nil, domain.Errorf(domain.ErrValidation, domain.EntitySubtask,
				"subtask %d: max attempts must not be negative, got %d", s.Index, s.MaxAttempts)
		}
	}
	deps, err := ResolveDependencies(specs)
	if err != nil {
		return nil, err
	}
	if err := validateAcyclic(specs, deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func validateAcyclic(specs []domain.SubtaskSpec, deps map[int][]int) error {
	visiting := map[int]bool{}
	visited := map[int]bool{}
	var path []int

	var dfs func(int) error
	dfs = func(idx int) error {
		if visited[idx] {
			return nil
		}
		if visiting[idx] {
			return domain.Errorf(domain.ErrCyclicDependency, domain.EntitySubtask, "%s", cyclePath(path, idx))
		}
		visiting[idx] = true
		path = append(path, idx)
		for _, dep := range deps[idx] {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		visiting[idx] = false
		visited[idx] = true
		return nil
	}

	indexes := make([]int, 0, len(specs))
	for _, s := range specs {
		indexes = append(indexes, s.Index)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		if err := dfs(idx); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(path []int, back int) string {
	start := 0
	for i, idx := range path {
		if idx == back {
			start = i
			break
		}
	}
	parts := make([]string, 0, len(path)-start+1)
	for _, idx := range path[start:] {
		parts = append(parts, fmt.Sprint(idx))
	}
	parts = append(parts, fmt.Sprint(back))
	return "cycle " + strings.Join(parts, " -> ")
}
