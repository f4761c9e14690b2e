// Package graph builds and queries the dependency graph of the project, as derived from
// a query over the workspace.
package graph

import (
	"fmt"
	"sort"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/cmap"
	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/query"
)

var log = logging.MustGetLogger("graph")

// A node is a single label in the graph arena.
type node struct {
	label core.Label
	// rule is true for rules of a buildable kind, i.e. ones whose dependencies we know.
	rule    bool
	class   string
	android bool
	// external is true if this label is outside the project (or always needs building).
	external    bool
	deps        []int32
	runtimeDeps []int32
	reverseDeps []int32
	// For source files only: the rules that list it in their srcs, and the one chosen to own it.
	owners []int32
	owner  int32
	// sourceDeps are the direct external deps that every owner of this source file shares.
	sourceDeps []int32
}

// A BuildGraph is an immutable snapshot of the project's build graph.
// Labels are interned into an arena and referred to by index internally.
type BuildGraph struct {
	version uint64
	hash    uint64

	nodes []node
	ids   map[core.Label]int32

	locations      map[core.Label]core.Location
	fileToTarget   map[string]core.Label
	buildFiles     []string
	packages       query.PackageSet
	rulesByPackage map[string][]int32
	javaSources    []int32
	androidTargets []int32

	memo *cmap.Map[int32, []int32]
}

// Version returns the version of this graph. Later graphs have higher versions.
func (g *BuildGraph) Version() uint64 {
	return g.version
}

// Hash returns a hash of the contents of this graph. Two graphs with the same hash have the
// same owners, dependencies and external targets.
func (g *BuildGraph) Hash() uint64 {
	return g.hash
}

func (g *BuildGraph) String() string {
	return fmt.Sprintf("build graph v%d (%d labels, %016x)", g.version, len(g.nodes), g.hash)
}

func (g *BuildGraph) id(label core.Label) (int32, bool) {
	id, present := g.ids[label]
	return id, present
}

func (g *BuildGraph) toLabels(ids []int32) []core.Label {
	ret := make([]core.Label, len(ids))
	for i, id := range ids {
		ret[i] = g.nodes[id].label
	}
	return ret
}

func (g *BuildGraph) toLabelSet(ids []int32) core.LabelSet {
	ret := make(core.LabelSet, len(ids))
	for _, id := range ids {
		ret.Add(g.nodes[id].label)
	}
	return ret
}

// Location returns the location of a source file.
func (g *BuildGraph) Location(source core.Label) (core.Location, bool) {
	loc, present := g.locations[source]
	return loc, present
}

// ProjectDeps returns the set of all labels that are external to the project.
func (g *BuildGraph) ProjectDeps() core.LabelSet {
	ret := core.NewLabelSet()
	for _, n := range g.nodes {
		if n.external {
			ret.Add(n.label)
		}
	}
	return ret
}

// IsExternal returns true if the given label is external to the project.
func (g *BuildGraph) IsExternal(label core.Label) bool {
	id, present := g.id(label)
	return present && g.nodes[id].external
}

// IsRule returns true if the given label is a buildable rule in the project.
func (g *BuildGraph) IsRule(label core.Label) bool {
	id, present := g.id(label)
	return present && g.nodes[id].rule
}

// RuleDeps returns the direct dependencies of a rule. It returns false if the rule is not in the project.
func (g *BuildGraph) RuleDeps(rule core.Label) (core.LabelSet, bool) {
	id, present := g.id(rule)
	if !present || !g.nodes[id].rule {
		return nil, false
	}
	return g.toLabelSet(g.nodes[id].deps), true
}

// RuleRuntimeDeps returns the runtime dependencies of a rule.
func (g *BuildGraph) RuleRuntimeDeps(rule core.Label) core.LabelSet {
	if id, present := g.id(rule); present {
		return g.toLabelSet(g.nodes[id].runtimeDeps)
	}
	return core.NewLabelSet()
}

// RuleClass returns the kind of a rule in the project, e.g. java_library.
func (g *BuildGraph) RuleClass(rule core.Label) string {
	if id, present := g.id(rule); present {
		return g.nodes[id].class
	}
	return ""
}

// IsAndroid returns true if the given rule is an Android rule.
func (g *BuildGraph) IsAndroid(rule core.Label) bool {
	id, present := g.id(rule)
	return present && g.nodes[id].android
}

// SourceOwner returns the rule chosen to own the given source file.
func (g *BuildGraph) SourceOwner(source core.Label) (core.Label, bool) {
	id, present := g.id(source)
	if !present || len(g.nodes[id].owners) == 0 {
		return core.Label{}, false
	}
	return g.nodes[g.nodes[id].owner].label, true
}

// SourceDeps returns the direct external dependencies shared by all the rules that build a source file.
func (g *BuildGraph) SourceDeps(source core.Label) core.LabelSet {
	if id, present := g.id(source); present {
		return g.toLabelSet(g.nodes[id].sourceDeps)
	}
	return core.NewLabelSet()
}

// FileTarget returns the source file label for a workspace-relative path.
func (g *BuildGraph) FileTarget(path string) (core.Label, bool) {
	label, present := g.fileToTarget[path]
	return label, present
}

// TargetOwner returns the rule that owns the file at the given workspace-relative path.
func (g *BuildGraph) TargetOwner(path string) (core.Label, bool) {
	source, present := g.fileToTarget[path]
	if !present {
		return core.Label{}, false
	}
	return g.SourceOwner(source)
}

// TargetOwners returns all the rules that build the file at the given path.
func (g *BuildGraph) TargetOwners(path string) core.LabelSet {
	source, present := g.fileToTarget[path]
	if !present {
		return nil
	}
	id, present := g.id(source)
	if !present {
		return nil
	}
	return g.toLabelSet(g.nodes[id].owners)
}

// Packages returns the set of packages containing buildable rules.
func (g *BuildGraph) Packages() query.PackageSet {
	return g.packages
}

// BuildFiles returns the paths of all BUILD files seen, sorted.
func (g *BuildGraph) BuildFiles() []string {
	return g.buildFiles
}

// RulesInPackage returns all the buildable rules in a single package.
func (g *BuildGraph) RulesInPackage(pkg string) core.LabelSet {
	return g.toLabelSet(g.rulesByPackage[pkg])
}

// RulesUnder returns all the buildable rules in packages at or beneath the given directory.
func (g *BuildGraph) RulesUnder(dir string) core.LabelSet {
	ret := core.NewLabelSet()
	for _, pkg := range g.packages.Subpackages(dir) {
		for _, id := range g.rulesByPackage[pkg] {
			ret.Add(g.nodes[id].label)
		}
	}
	return ret
}

// Rules returns all the buildable rules in the graph.
func (g *BuildGraph) Rules() core.LabelSet {
	ret := core.NewLabelSet()
	for _, n := range g.nodes {
		if n.rule {
			ret.Add(n.label)
		}
	}
	return ret
}

// JavaSourceFiles returns the paths of all source files of buildable rules, sorted.
func (g *BuildGraph) JavaSourceFiles() []string {
	return g.sourcePaths(g.javaSources, func(n *node) bool { return true })
}

// AndroidSourceFiles returns the paths of all source files owned by Android rules, sorted.
func (g *BuildGraph) AndroidSourceFiles() []string {
	return g.sourcePaths(g.javaSources, func(n *node) bool { return g.nodes[n.owner].android })
}

func (g *BuildGraph) sourcePaths(ids []int32, include func(n *node) bool) []string {
	ret := make([]string, 0, len(ids))
	for _, id := range ids {
		n := &g.nodes[id]
		if loc, present := g.locations[n.label]; present && len(n.owners) > 0 && include(n) {
			ret = append(ret, loc.File)
		}
	}
	sort.Strings(ret)
	return ret
}

// AllSourceFiles returns the paths of every source file in the graph, sorted.
func (g *BuildGraph) AllSourceFiles() []string {
	ret := make([]string, 0, len(g.fileToTarget))
	for path := range g.fileToTarget {
		ret = append(ret, path)
	}
	sort.Strings(ret)
	return ret
}

// ReverseDepsForSource returns all rules in the project that depend on the owner of the given
// source file through a chain of in-project dependencies, including the owner itself.
// This is used to find tests that might be affected by a change to a file.
func (g *BuildGraph) ReverseDepsForSource(path string) []core.Label {
	owner, present := g.TargetOwner(path)
	if !present {
		return nil
	}
	start := g.ids[owner]
	visited := map[int32]bool{start: true}
	queue := []int32{start}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, rdep := range g.nodes[next].reverseDeps {
			if !visited[rdep] {
				visited[rdep] = true
				queue = append(queue, rdep)
			}
		}
	}
	ret := make([]core.Label, 0, len(visited))
	for id := range visited {
		ret = append(ret, g.nodes[id].label)
	}
	core.SortLabels(ret)
	return ret
}

// Equal returns true if the two graphs have identical contents (ignoring their versions).
func (g *BuildGraph) Equal(other *BuildGraph) bool {
	if g.hash != other.hash || len(g.nodes) != len(other.nodes) || len(g.fileToTarget) != len(other.fileToTarget) {
		return false
	}
	for i := range g.nodes {
		a, b := &g.nodes[i], &other.nodes[i]
		if a.label != b.label || a.rule != b.rule || a.external != b.external || a.class != b.class ||
			!equalIDs(a.deps, b.deps) || !equalIDs(a.runtimeDeps, b.runtimeDeps) ||
			!equalIDs(a.owners, b.owners) || a.owner != b.owner || !equalIDs(a.sourceDeps, b.sourceDeps) {
			return false
		}
	}
	for path, label := range g.fileToTarget {
		if other.fileToTarget[path] != label || g.locations[label] != other.locations[label] {
			return false
		}
	}
	return true
}

func equalIDs(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
