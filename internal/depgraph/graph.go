// Package depgraph tracks which tasks are blocked on unfinished parents and
// releases their children once every parent completes.
package depgraph

import (
	"sync"

	"github.com/google/uuid"
)

// StatusLookup answers whether a task (by id) currently has status DONE.
// Implemented by the caller against the task store, so this package never
// needs to import task directly.
type StatusLookup func(id uuid.UUID) (isDone bool, known bool)

// Graph is the dependency resolver.
type Graph struct {
	mu         sync.Mutex
	waiting    map[uuid.UUID]bool
	dependents map[uuid.UUID]map[uuid.UUID]bool // parent -> set of children

	isDone StatusLookup
}

// New builds a Graph that consults isDone to decide whether a dependency is
// satisfied.
func New(isDone StatusLookup) *Graph {
	return &Graph{
		waiting:    make(map[uuid.UUID]bool),
		dependents: make(map[uuid.UUID]map[uuid.UUID]bool),
		isDone:     isDone,
	}
}

// Register adds taskID's unmet dependencies to the graph. Returns true iff at
// least one dependency is unmet (the caller should not admit the task yet).
func (g *Graph) Register(taskID uuid.UUID, dependencies []uuid.UUID) bool {
	if len(dependencies) == 0 {
		return false
	}

	// Resolve DONE flags before taking g.mu, so this mutex and the store's
	// never nest.
	var unmet []uuid.UUID
	for _, dep := range dependencies {
		if done, known := g.isDone(dep); !known || !done {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) == 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range unmet {
		if g.dependents[dep] == nil {
			g.dependents[dep] = make(map[uuid.UUID]bool)
		}
		g.dependents[dep][taskID] = true
	}
	g.waiting[taskID] = true
	return true
}

// OnCompleted returns the set of children whose every other dependency is now
// also DONE, removing them from waiting and from all parents' dependents
// maps. Order among simultaneously released children is unspecified.
//
// The status lookup is never consulted while g.mu is held: the other parents
// involved are collected first, their DONE flags resolved between the two
// critical sections, so this mutex and the store's never nest.
func (g *Graph) OnCompleted(parentID uuid.UUID) []uuid.UUID {
	if done, known := g.isDone(parentID); !known || !done {
		return nil
	}

	g.mu.Lock()
	children, ok := g.dependents[parentID]
	if !ok || len(children) == 0 {
		g.mu.Unlock()
		return nil
	}
	otherParents := make(map[uuid.UUID]bool)
	for p, set := range g.dependents {
		if p == parentID {
			continue
		}
		for childID := range children {
			if set[childID] {
				otherParents[p] = true
				break
			}
		}
	}
	g.mu.Unlock()

	doneParents := make(map[uuid.UUID]bool, len(otherParents))
	for p := range otherParents {
		done, known := g.isDone(p)
		doneParents[p] = known && done
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	children, ok = g.dependents[parentID]
	if !ok || len(children) == 0 {
		return nil
	}

	var released []uuid.UUID
	for childID := range children {
		// A parent registered between the two critical sections is absent
		// from doneParents and counts as not done; the child stays blocked
		// until that parent completes.
		blocked := false
		for p, set := range g.dependents {
			if p == parentID || !set[childID] {
				continue
			}
			if !doneParents[p] {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		released = append(released, childID)
		delete(g.waiting, childID)
	}

	// parentID is satisfied for everyone now; drop the edge entirely.
	delete(g.dependents, parentID)

	// Also scrub childID out of any other parent's dependents map so a
	// released task can never be re-blocked by a stale edge.
	for _, childID := range released {
		for p, set := range g.dependents {
			delete(set, childID)
			if len(set) == 0 {
				delete(g.dependents, p)
			}
		}
	}

	return released
}

// HasUnmet reports whether taskID is currently waiting on any dependency.
func (g *Graph) HasUnmet(taskID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting[taskID]
}
