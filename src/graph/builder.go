package graph

import (
	"io"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"

	"github.com/thought-machine/querysync/src/cmap"
	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/query"
)

// ruleCountLimit is the count at or below which rule kinds aren't logged individually.
const ruleCountLimit = 50

var nextVersion atomic.Uint64

// Kinds describes which rule kinds the graph builder cares about.
type Kinds struct {
	// Buildable are the kinds whose sources and dependencies are analysed.
	Buildable map[string]bool
	// Android are the subset of buildable kinds that are Android rules.
	Android map[string]bool
	// AlwaysBuild are kinds that are always treated as external, even if they're in the project.
	AlwaysBuild map[string]bool
}

// NewKinds returns the kinds configured in the given configuration.
func NewKinds(config *core.Configuration) Kinds {
	return Kinds{
		Buildable:   toSet(config.Sync.BuildableKind),
		Android:     toSet(config.Sync.AndroidKind),
		AlwaysBuild: toSet(config.Sync.AlwaysBuildKind),
	}
}

func toSet(strs []string) map[string]bool {
	ret := make(map[string]bool, len(strs))
	for _, s := range strs {
		ret[s] = true
	}
	return ret
}

// A builder accumulates records from a query stream, keyed by label.
type builder struct {
	kinds         Kinds
	workspaceRoot string

	locations      map[core.Label]core.Location
	fileToTarget   map[string]core.Label
	buildFiles     map[string]struct{}
	ruleDeps       map[core.Label]core.LabelSet
	runtimeDeps    map[core.Label]core.LabelSet
	ruleClass      map[core.Label]string
	sourceOwners   map[core.Label]core.LabelSet
	alwaysBuild    core.LabelSet
	allDeps        core.LabelSet
	javaSources    core.LabelSet
	androidTargets core.LabelSet
	ruleCount      map[string]int
	targets        int
}

// Build constructs a new graph from a stream of query records.
// workspaceRoot is only used to relativise any absolute source locations.
// On any error no graph is returned.
func Build(stream query.Stream, kinds Kinds, workspaceRoot string) (*BuildGraph, error) {
	start := time.Now()
	b := &builder{
		kinds:          kinds,
		workspaceRoot:  workspaceRoot,
		locations:      map[core.Label]core.Location{},
		fileToTarget:   map[string]core.Label{},
		buildFiles:     map[string]struct{}{},
		ruleDeps:       map[core.Label]core.LabelSet{},
		runtimeDeps:    map[core.Label]core.LabelSet{},
		ruleClass:      map[core.Label]string{},
		sourceOwners:   map[core.Label]core.LabelSet{},
		alwaysBuild:    core.NewLabelSet(),
		allDeps:        core.NewLabelSet(),
		javaSources:    core.NewLabelSet(),
		androidTargets: core.NewLabelSet(),
		ruleCount:      map[string]int{},
	}
	for {
		r, err := stream.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if err := b.add(r); err != nil {
			return nil, err
		}
	}
	log.Info("Processed %d targets in %s", b.targets, time.Since(start).Round(time.Millisecond))
	b.logRuleCounts()
	g := b.freeze()
	b.logStats(g)
	return g, nil
}

func (b *builder) add(r query.Record) error {
	b.targets++
	if sf := r.SourceFile; sf != nil {
		loc, err := core.ParseLocation(sf.Location, b.workspaceRoot)
		if err != nil {
			return err
		}
		if loc.IsBuildFile() {
			b.buildFiles[loc.File] = struct{}{}
		}
		b.locations[sf.Label] = loc
		b.fileToTarget[loc.File] = sf.Label
		return nil
	}
	rule := r.Rule
	if rule == nil {
		return &core.ParseError{Input: r.String(), Reason: "record is neither a rule nor a source file"}
	} else if rule.Label.IsEmpty() {
		return &core.ParseError{Input: r.String(), Reason: "rule has no name"}
	}
	b.ruleCount[rule.Class]++
	if b.kinds.Buildable[rule.Class] {
		deps, present := b.ruleDeps[rule.Label]
		if !present {
			deps = core.NewLabelSet()
			b.ruleDeps[rule.Label] = deps
		}
		deps.AddAll(core.NewLabelSet(rule.Deps...))
		b.allDeps.AddAll(deps)
		if len(rule.RuntimeDeps) > 0 {
			b.runtimeDeps[rule.Label] = core.NewLabelSet(rule.RuntimeDeps...)
		}
		b.ruleClass[rule.Label] = rule.Class
		for _, src := range rule.Sources {
			owners, present := b.sourceOwners[src]
			if !present {
				owners = core.NewLabelSet()
				b.sourceOwners[src] = owners
			}
			owners.Add(rule.Label)
			b.javaSources.Add(src)
		}
		if b.kinds.Android[rule.Class] {
			b.androidTargets.Add(rule.Label)
		}
	} else if b.kinds.AlwaysBuild[rule.Class] {
		b.alwaysBuild.Add(rule.Label)
	}
	return nil
}

// freeze converts the accumulated state into an immutable graph.
// Labels are interned in sorted order so that the same input always yields the same arena.
func (b *builder) freeze() *BuildGraph {
	all := core.NewLabelSet()
	for label := range b.locations {
		all.Add(label)
	}
	for label, deps := range b.ruleDeps {
		all.Add(label)
		all.AddAll(deps)
	}
	for _, deps := range b.runtimeDeps {
		all.AddAll(deps)
	}
	for src := range b.sourceOwners {
		all.Add(src)
	}
	all.AddAll(b.alwaysBuild)
	sorted := all.Sorted()

	g := &BuildGraph{
		version:        nextVersion.Add(1),
		nodes:          make([]node, len(sorted)),
		ids:            make(map[core.Label]int32, len(sorted)),
		locations:      b.locations,
		fileToTarget:   b.fileToTarget,
		packages:       query.NewPackageSet(),
		rulesByPackage: map[string][]int32{},
		memo:           cmap.New[int32, []int32](cmap.DefaultShardCount, cmap.IDHash),
	}
	for i, label := range sorted {
		g.ids[label] = int32(i)
		g.nodes[i].label = label
	}
	intern := func(labels core.LabelSet) []int32 {
		ids := make([]int32, 0, len(labels))
		for label := range labels {
			ids = append(ids, g.ids[label])
		}
		slices.Sort(ids)
		return ids
	}

	// The project deps are everything depended on that isn't itself a project rule,
	// plus the rules we always need to build.
	for dep := range b.allDeps {
		if _, present := b.ruleDeps[dep]; !present {
			g.nodes[g.ids[dep]].external = true
		}
	}
	for label := range b.alwaysBuild {
		g.nodes[g.ids[label]].external = true
	}
	for label, deps := range b.ruleDeps {
		id := g.ids[label]
		n := &g.nodes[id]
		n.rule = true
		n.class = b.ruleClass[label]
		n.android = b.androidTargets.Contains(label)
		n.deps = intern(deps)
		n.runtimeDeps = intern(b.runtimeDeps[label])
		g.packages.Add(label.PackageName)
		g.rulesByPackage[label.PackageName] = append(g.rulesByPackage[label.PackageName], id)
	}
	for _, n := range g.nodes {
		if !n.rule {
			continue
		}
		id := g.ids[n.label]
		for _, dep := range n.deps {
			g.nodes[dep].reverseDeps = append(g.nodes[dep].reverseDeps, id)
		}
		for _, dep := range n.runtimeDeps {
			g.nodes[dep].reverseDeps = append(g.nodes[dep].reverseDeps, id)
		}
	}
	for pkg := range g.rulesByPackage {
		slices.Sort(g.rulesByPackage[pkg])
	}
	for src, owners := range b.sourceOwners {
		n := &g.nodes[g.ids[src]]
		n.owners = intern(owners)
		n.owner = g.chooseOwner(n.owners)
		n.sourceDeps = g.sharedExternalDeps(n.owners)
	}
	g.javaSources = intern(b.javaSources)
	g.androidTargets = intern(b.androidTargets)
	for file := range b.buildFiles {
		g.buildFiles = append(g.buildFiles, file)
	}
	sort.Strings(g.buildFiles)
	g.hash = g.contentHash()
	return g
}

// chooseOwner picks the owner of a source file from all the rules that list it.
// The rule with the fewest dependencies wins, since it minimises what needs building;
// ties go to the lowest label. Owners are sorted by label, so that's the first one found.
func (g *BuildGraph) chooseOwner(owners []int32) int32 {
	best := owners[0]
	for _, owner := range owners[1:] {
		if len(g.nodes[owner].deps) < len(g.nodes[best].deps) {
			best = owner
		}
	}
	return best
}

// sharedExternalDeps returns the external deps that all the given rules have in common.
func (g *BuildGraph) sharedExternalDeps(owners []int32) []int32 {
	ret := []int32{}
	for _, dep := range g.nodes[owners[0]].deps {
		if !g.nodes[dep].external {
			continue
		}
		shared := true
		for _, owner := range owners[1:] {
			if _, found := slices.BinarySearch(g.nodes[owner].deps, dep); !found {
				shared = false
				break
			}
		}
		if shared {
			ret = append(ret, dep)
		}
	}
	return ret
}

// contentHash hashes everything that determines the graph's answers.
func (g *BuildGraph) contentHash() uint64 {
	h := xxhash.New()
	writeIDs := func(ids []int32) {
		for _, id := range ids {
			h.WriteString(strconv.Itoa(int(id)))
			h.WriteString(",")
		}
		h.WriteString(";")
	}
	for _, n := range g.nodes {
		h.WriteString(n.label.String())
		h.WriteString(n.class)
		if n.external {
			h.WriteString("!")
		}
		writeIDs(n.deps)
		writeIDs(n.runtimeDeps)
		writeIDs(n.owners)
		if len(n.owners) > 0 {
			h.WriteString(strconv.Itoa(int(n.owner)))
		}
		if loc, present := g.locations[n.label]; present {
			h.WriteString(loc.String())
		}
		h.WriteString("\n")
	}
	return h.Sum64()
}

func (b *builder) logRuleCounts() {
	type kindCount struct {
		kind  string
		count int
	}
	counts := make([]kindCount, 0, len(b.ruleCount))
	for kind, count := range b.ruleCount {
		counts = append(counts, kindCount{kind: kind, count: count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].kind < counts[j].kind
	})
	shown := 0
	for _, kc := range counts {
		if kc.count <= ruleCountLimit {
			log.Debug("[...] truncated %d rules with <= %d count", b.targets-shown, ruleCountLimit)
			break
		}
		shown += kc.count
		log.Debug("%s: %d", kc.kind, kc.count)
	}
}

func (b *builder) logStats(g *BuildGraph) {
	external := 0
	for _, n := range g.nodes {
		if n.external {
			external++
		}
	}
	log.Info("Found %d source files, %d of them Java sources, in %d packages", len(g.locations), len(g.javaSources), len(b.buildFiles))
	log.Info("Found %d dependencies, of which %d are to targets outside the project", len(b.allDeps), external)
	var worst core.Label
	maxDeps := 0
	for _, id := range g.javaSources {
		n := &g.nodes[id]
		if len(n.sourceDeps) > maxDeps || (len(n.sourceDeps) == maxDeps && maxDeps > 0 && n.label.Less(worst)) {
			maxDeps = len(n.sourceDeps)
			worst = n.label
		}
	}
	if maxDeps > 0 {
		log.Debug("Source with most direct dependencies (%d) is %s", maxDeps, worst)
	}
}
