package querier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/querysync/src/cli"
	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/graph"
	"github.com/thought-machine/querysync/src/query"
	"github.com/thought-machine/querysync/src/scm"
)

func labels(strs ...string) []core.Label {
	ret := make([]core.Label, len(strs))
	for i, s := range strs {
		ret[i] = core.ParseLabel(s)
	}
	return ret
}

func rule(label string, srcs []string, deps ...string) query.Record {
	return query.Record{Rule: &query.Rule{
		Label:   core.ParseLabel(label),
		Class:   "java_library",
		Sources: labels(srcs...),
		Deps:    labels(deps...),
	}}
}

func source(label, path string) query.Record {
	return query.Record{SourceFile: &query.SourceFile{Label: core.ParseLabel(label), Location: path + ":1:1"}}
}

// A fakeRunner answers queries from a fixed set of records.
type fakeRunner struct {
	mutex   sync.Mutex
	records []query.Record
	specs   []query.Spec
	err     error
}

func (r *fakeRunner) RunQuery(ctx context.Context, spec query.Spec) (query.Stream, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.specs = append(r.specs, spec)
	if r.err != nil {
		return nil, r.err
	}
	var ret []query.Record
	for _, rec := range r.records {
		label := rec.SourceFile
		pkg := ""
		if label != nil {
			pkg = label.Label.PackageName
		} else {
			pkg = rec.Rule.Label.PackageName
		}
		if matchesAny(spec.Includes, pkg) && !matchesAny(spec.Excludes, pkg) {
			ret = append(ret, rec)
		}
	}
	return query.NewSliceStream(ret...), nil
}

func (r *fakeRunner) setRecords(records ...query.Record) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records = records
}

func (r *fakeRunner) lastSpec() query.Spec {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.specs[len(r.specs)-1]
}

func (r *fakeRunner) numQueries() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.specs)
}

func matchesAny(patterns []string, pkg string) bool {
	for _, p := range patterns {
		if p == "//..." {
			return true
		} else if dir := strings.TrimSuffix(strings.TrimPrefix(p, "//"), "/..."); strings.HasSuffix(p, "/...") {
			if pkg == dir || strings.HasPrefix(pkg, dir+"/") {
				return true
			}
		} else if dir == pkg {
			return true
		}
	}
	return false
}

type fakeVCS struct {
	mutex sync.Mutex
	state *scm.State
	err   error
	block bool
}

func (v *fakeVCS) State(ctx context.Context) (*scm.State, error) {
	v.mutex.Lock()
	block := v.block
	state, err := v.state, v.err
	v.mutex.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return state, err
}

func (v *fakeVCS) set(state *scm.State) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.state = state
}

var initial = []query.Record{
	source("//a:BUILD", "a/BUILD"),
	source("//a:A.java", "a/A.java"),
	source("//b:BUILD", "b/BUILD"),
	source("//b:B.java", "b/B.java"),
	source("//c:BUILD", "c/BUILD"),
	source("//c:C.java", "c/C.java"),
	rule("//a:a", []string{"//a:A.java"}, "//b:b", "//ext:x"),
	rule("//b:b", []string{"//b:B.java"}, "//c:c"),
	rule("//c:c", []string{"//c:C.java"}, "//ext:y"),
}

type fixture struct {
	runner  *fakeRunner
	vcs     *fakeVCS
	querier *Querier
	config  *core.Configuration
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	for _, pkg := range []string{"a", "b", "c"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, pkg), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, pkg, "BUILD"), nil, 0644))
	}
	config, err := core.ReadConfigFiles(nil)
	require.NoError(t, err)
	config.Sync.WorkspaceRoot = dir
	f := &fixture{
		runner: &fakeRunner{records: initial},
		vcs:    &fakeVCS{state: &scm.State{UpstreamRevision: "abc123", WorkingSet: []scm.FileChange{}}},
		config: config,
	}
	f.querier = New(f.runner, f.vcs, config)
	return f
}

func (f *fixture) fullGraph(t *testing.T, records ...query.Record) *graph.BuildGraph {
	g, err := graph.Build(query.NewSliceStream(records...), graph.NewKinds(f.config), "")
	require.NoError(t, err)
	return g
}

var wholeWorkspace = core.NewProjectDefinition([]string{""}, nil)

func TestFullQuery(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	assert.Equal(t, query.FullSpec(wholeWorkspace), f.runner.lastSpec())
	assert.Equal(t, "abc123", state.VCS.UpstreamRevision)
	assert.True(t, state.CanPerformDeltaUpdate())
	assert.True(t, state.Graph.Equal(f.fullGraph(t, initial...)))
	assert.Equal(t, wholeWorkspace, state.Definition)
}

func TestFullQueryIgnoresInvalidDirectories(t *testing.T) {
	f := newFixture(t)
	def := core.NewProjectDefinition([]string{"a", "nope"}, []string{"a/nope"})
	_, err := f.querier.FullQuery(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, query.Spec{Includes: []string{"//a/..."}}, f.runner.lastSpec())

	_, err = f.querier.FullQuery(context.Background(), core.NewProjectDefinition([]string{"nope"}, nil))
	assert.Error(t, err)
}

func TestFullQueryWithoutVCS(t *testing.T) {
	f := newFixture(t)
	f.vcs.err = errors.New("git exploded")
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	assert.Nil(t, state.VCS)
	assert.False(t, state.CanPerformDeltaUpdate())

	// Next update has to be a full one.
	f.vcs.err = nil
	_, err = f.querier.Update(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, f.runner.numQueries())
	assert.Equal(t, query.FullSpec(wholeWorkspace), f.runner.lastSpec())
}

func TestFullQueryVCSTimeout(t *testing.T) {
	f := newFixture(t)
	f.config.Sync.VcsTimeout = cli.Duration(10 * time.Millisecond)
	f.querier = New(f.runner, f.vcs, f.config)
	f.vcs.block = true
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	assert.Nil(t, state.VCS)
}

func TestFullQueryFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.err = &core.QueryError{Query: "//...", ExitCode: 7, Err: errors.New("boom")}
	_, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	var qerr *core.QueryError
	assert.ErrorAs(t, err, &qerr)
}

func TestFullQueryMalformed(t *testing.T) {
	f := newFixture(t)
	f.runner.setRecords(query.Record{})
	_, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	var perr *core.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestUpdateNothingChanged(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	updated, err := f.querier.Update(context.Background(), state)
	require.NoError(t, err)
	assert.Same(t, state, updated)
	assert.Equal(t, 1, f.runner.numQueries())
}

func TestUpdateUpstreamChanged(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	f.vcs.set(&scm.State{UpstreamRevision: "def456"})
	updated, err := f.querier.Update(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, query.FullSpec(wholeWorkspace), f.runner.lastSpec())
	assert.Equal(t, "def456", updated.VCS.UpstreamRevision)
}

func TestUpdateVCSFailure(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	require.NotNil(t, state.VCS)
	f.vcs.mutex.Lock()
	f.vcs.err = errors.New("git exploded")
	f.vcs.mutex.Unlock()
	updated, err := f.querier.Update(context.Background(), state)
	require.NoError(t, err)
	assert.NotSame(t, state, updated)
	assert.Equal(t, 2, f.runner.numQueries())
	assert.Equal(t, query.FullSpec(wholeWorkspace), f.runner.lastSpec())
	assert.Nil(t, updated.VCS)
	assert.False(t, updated.CanPerformDeltaUpdate())
}

func TestUpdateModifiedBuildFile(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)

	after := []query.Record{
		source("//a:BUILD", "a/BUILD"),
		source("//a:A.java", "a/A.java"),
		source("//b:BUILD", "b/BUILD"),
		source("//b:B.java", "b/B.java"),
		source("//c:BUILD", "c/BUILD"),
		source("//c:C.java", "c/C.java"),
		rule("//a:a", []string{"//a:A.java"}, "//b:b", "//ext:x"),
		rule("//b:b", []string{"//b:B.java"}, "//ext:z"),
		rule("//c:c", []string{"//c:C.java"}, "//ext:y"),
	}
	f.runner.setRecords(after...)
	f.vcs.set(&scm.State{UpstreamRevision: "abc123", WorkingSet: []scm.FileChange{{Op: scm.Modify, Path: "b/BUILD"}}})
	updated, err := f.querier.Update(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, query.PackagesSpec([]string{"b"}), f.runner.lastSpec())
	assert.True(t, updated.Graph.Equal(f.fullGraph(t, after...)))
	deps, err := updated.Graph.TransitiveExternalDeps(core.ParseLabel("//a:a"))
	require.NoError(t, err)
	assert.Equal(t, core.NewLabelSet(labels("//ext:x", "//ext:z")...), deps)
	// The previous state is untouched.
	deps, err = state.Graph.TransitiveExternalDeps(core.ParseLabel("//a:a"))
	require.NoError(t, err)
	assert.Equal(t, core.NewLabelSet(labels("//ext:x", "//ext:y")...), deps)
}

func TestUpdateDeletedPackage(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	f.vcs.set(&scm.State{UpstreamRevision: "abc123", WorkingSet: []scm.FileChange{{Op: scm.Delete, Path: "c/BUILD"}}})
	updated, err := f.querier.Update(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, f.runner.numQueries(), "Nothing needs re-querying")
	assert.False(t, updated.Graph.Packages().Contains("c"))
	assert.True(t, updated.Graph.IsExternal(core.ParseLabel("//c:c")))
}

func TestUpdateOutsideProject(t *testing.T) {
	f := newFixture(t)
	def := core.NewProjectDefinition([]string{"a", "b", "c"}, nil)
	state, err := f.querier.FullQuery(context.Background(), def)
	require.NoError(t, err)
	f.vcs.set(&scm.State{UpstreamRevision: "abc123", WorkingSet: []scm.FileChange{{Op: scm.Modify, Path: "d/BUILD"}}})
	_, err = f.querier.Update(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, query.FullSpec(def), f.runner.lastSpec())
}

func TestUpdateFailureLeavesPreviousState(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	f.vcs.set(&scm.State{UpstreamRevision: "abc123", WorkingSet: []scm.FileChange{{Op: scm.Modify, Path: "b/BUILD"}}})
	f.runner.err = errors.New("bazel crashed")
	_, err = f.querier.Update(context.Background(), state)
	assert.Error(t, err)
	assert.Equal(t, 9, state.Summary.Len())
}

func TestRebuild(t *testing.T) {
	f := newFixture(t)
	state, err := f.querier.FullQuery(context.Background(), wholeWorkspace)
	require.NoError(t, err)
	rebuilt, err := f.querier.Rebuild(&State{Definition: state.Definition, Summary: state.Summary, VCS: state.VCS})
	require.NoError(t, err)
	assert.True(t, state.Graph.Equal(rebuilt.Graph))
	_, err = f.querier.Rebuild(&State{})
	assert.Error(t, err)
}
