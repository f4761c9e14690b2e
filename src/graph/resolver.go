package graph

import (
	"golang.org/x/exp/slices"

	"github.com/thought-machine/querysync/src/core"
)

// TransitiveExternalDeps returns all the external dependencies needed to build the given target.
// Labels not in the project resolve to themselves if they're external, otherwise to nothing.
// Results are memoised; it is safe to call concurrently.
func (g *BuildGraph) TransitiveExternalDeps(target core.Label) (core.LabelSet, error) {
	id, present := g.id(target)
	if !present {
		return core.NewLabelSet(), nil
	}
	ids, err := g.transitiveDeps(id, &callStack{onStack: map[int32]bool{}})
	if err != nil {
		return nil, err
	}
	return g.toLabelSet(ids), nil
}

// FileDependencies returns the transitive external dependencies of the owner of a file.
// It returns false if the file has no owner.
func (g *BuildGraph) FileDependencies(path string) (core.LabelSet, bool, error) {
	owner, present := g.TargetOwner(path)
	if !present {
		return nil, false, nil
	}
	deps, err := g.TransitiveExternalDeps(owner)
	return deps, true, err
}

// A callStack tracks the targets currently being resolved on one call chain.
type callStack struct {
	stack   []int32
	onStack map[int32]bool
}

func (g *BuildGraph) transitiveDeps(id int32, cs *callStack) ([]int32, error) {
	if deps, present := g.memo.Get(id); present {
		return deps, nil
	}
	n := &g.nodes[id]
	if !n.rule {
		if n.external {
			return []int32{id}, nil
		}
		return nil, nil
	} else if cs.onStack[id] {
		return nil, g.cycleError(cs, id)
	}
	cs.onStack[id] = true
	cs.stack = append(cs.stack, id)
	defer func() {
		delete(cs.onStack, id)
		cs.stack = cs.stack[:len(cs.stack)-1]
	}()

	set := map[int32]struct{}{}
	if n.external {
		set[id] = struct{}{}
	}
	for _, dep := range n.deps {
		deps, err := g.transitiveDeps(dep, cs)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			set[d] = struct{}{}
		}
	}
	ret := make([]int32, 0, len(set))
	for d := range set {
		ret = append(ret, d)
	}
	slices.Sort(ret)
	// Another goroutine may have got here first; either answer is the same.
	ret, _ = g.memo.AddOrGet(id, ret)
	return ret, nil
}

func (g *BuildGraph) cycleError(cs *callStack, id int32) error {
	i := slices.Index(cs.stack, id)
	cycle := g.toLabels(append(append([]int32{}, cs.stack[i:]...), id))
	log.Error("Dependency cycle detected: %s", cycle)
	return &core.StructuralError{Reason: "dependency cycle", Cycle: cycle}
}

// ClearMemo drops all memoised dependency sets.
func (g *BuildGraph) ClearMemo() {
	g.memo.Clear()
}

// MemoSize returns the number of memoised dependency sets.
func (g *BuildGraph) MemoSize() int {
	return g.memo.Len()
}
