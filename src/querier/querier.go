// Package querier runs the queries that produce the project's build graph, either from
// scratch or incrementally from a previous state and the changes in the working copy.
package querier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/fs"
	"github.com/thought-machine/querysync/src/graph"
	"github.com/thought-machine/querysync/src/metrics"
	"github.com/thought-machine/querysync/src/query"
	"github.com/thought-machine/querysync/src/scm"
)

var log = logging.MustGetLogger("querier")

// State is the result of querying the project: what was queried, what it returned and
// the state of the working copy at the time.
type State struct {
	Definition core.ProjectDefinition
	Summary    *query.Summary
	// VCS is nil if the working copy state couldn't be determined.
	VCS   *scm.State
	Graph *graph.BuildGraph
}

// CanPerformDeltaUpdate returns true if this state can be updated incrementally.
func (s *State) CanPerformDeltaUpdate() bool {
	return s.VCS != nil && s.Summary != nil
}

// A Querier produces States by running queries.
type Querier struct {
	runner        query.Runner
	vcs           scm.Provider
	kinds         graph.Kinds
	workspaceRoot string
	vcsTimeout    time.Duration
}

// New creates a new Querier. vcs may be nil, in which case updates are always full queries.
func New(runner query.Runner, vcs scm.Provider, config *core.Configuration) *Querier {
	return &Querier{
		runner:        runner,
		vcs:           vcs,
		kinds:         graph.NewKinds(config),
		workspaceRoot: config.Sync.WorkspaceRoot,
		vcsTimeout:    time.Duration(config.Sync.VcsTimeout),
	}
}

// FullQuery queries the whole project and builds a new graph from the result.
// The VCS state is captured alongside on a best-effort basis; failing to get it
// only means the next update will have to be a full query as well.
func (q *Querier) FullQuery(ctx context.Context, def core.ProjectDefinition) (state *State, err error) {
	ctx, span := otel.Tracer("querier").Start(ctx, "FullQuery")
	defer span.End()
	start := time.Now()
	defer func() { metrics.RecordSync("full", err == nil, time.Since(start)) }()

	vcs := q.startVCS(ctx)
	valid, err := q.validDefinition(def)
	if err != nil {
		return nil, err
	}
	log.Notice("Querying %s...", valid)
	summary, err := q.runQuery(ctx, query.FullSpec(valid))
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(summary.Records(), q.kinds, q.workspaceRoot)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("targets", summary.Len()))
	state = &State{Definition: def, Summary: summary, Graph: g}
	if result := <-vcs; result.err != nil {
		log.Warning("Could not get VCS state, future updates may be suboptimal: %s", result.err)
	} else {
		state.VCS = result.state
	}
	log.Notice("Full query complete in %s: %s", time.Since(start).Round(time.Millisecond), g)
	return state, nil
}

// Update brings a previous state up to date, querying only the packages that have changed
// where it can. If there's any doubt about what's changed it falls back to a full query.
func (q *Querier) Update(ctx context.Context, prev *State) (*State, error) {
	if !prev.CanPerformDeltaUpdate() {
		log.Notice("No VCS state from last query: performing full query")
		return q.FullQuery(ctx, prev.Definition)
	} else if q.vcs == nil {
		log.Notice("VCS doesn't support delta updates: performing full query")
		return q.FullQuery(ctx, prev.Definition)
	}
	result := <-q.startVCS(ctx)
	if result.err != nil {
		log.Warning("Could not get VCS state, performing full query: %s", result.err)
		return q.FullQuery(ctx, prev.Definition)
	} else if result.state.UpstreamRevision != prev.VCS.UpstreamRevision {
		log.Notice("Upstream revision has changed %s -> %s: performing full query", prev.VCS.UpstreamRevision, result.state.UpstreamRevision)
		return q.FullQuery(ctx, prev.Definition)
	}
	affected := query.CalculateAffectedPackages(prev.Definition, prev.Summary, result.state.ChangedSince(prev.VCS))
	if affected.Incomplete {
		log.Notice("Can't determine affected packages reliably: performing full query")
		return q.FullQuery(ctx, prev.Definition)
	} else if affected.IsEmpty() {
		log.Notice("Nothing has changed, nothing to do.")
		return prev, nil
	}
	return q.deltaQuery(ctx, prev, result.state, affected)
}

func (q *Querier) deltaQuery(ctx context.Context, prev *State, vcs *scm.State, affected *query.AffectedPackages) (state *State, err error) {
	ctx, span := otel.Tracer("querier").Start(ctx, "DeltaQuery")
	defer span.End()
	start := time.Now()
	defer func() { metrics.RecordSync("delta", err == nil, time.Since(start)) }()

	modified := affected.Modified.Sorted()
	deleted := affected.Deleted.Sorted()
	span.SetAttributes(attribute.Int("modified", len(modified)), attribute.Int("deleted", len(deleted)))
	log.Notice("Re-querying %d modified packages, %d deleted", len(modified), len(deleted))
	partial := query.NewSummary()
	if spec := query.PackagesSpec(modified); !spec.IsEmpty() {
		if partial, err = q.runQuery(ctx, spec); err != nil {
			return nil, err
		}
	}
	g, merged, err := graph.ApplyDelta(prev.Summary, partial, modified, deleted, q.kinds, q.workspaceRoot)
	if err != nil {
		return nil, err
	}
	log.Notice("Incremental update complete in %s: %s", time.Since(start).Round(time.Millisecond), g)
	return &State{Definition: prev.Definition, Summary: merged, VCS: vcs, Graph: g}, nil
}

// Rebuild constructs the graph for a state that has been loaded without one.
func (q *Querier) Rebuild(s *State) (*State, error) {
	if s.Summary == nil {
		return nil, errors.New("state has no query summary")
	}
	g, err := graph.Build(s.Summary.Records(), q.kinds, q.workspaceRoot)
	if err != nil {
		return nil, err
	}
	return &State{Definition: s.Definition, Summary: s.Summary, VCS: s.VCS, Graph: g}, nil
}

func (q *Querier) runQuery(ctx context.Context, spec query.Spec) (*query.Summary, error) {
	stream, err := q.runner.RunQuery(ctx, spec)
	if err != nil {
		return nil, err
	}
	summary, err := query.Summarise(stream)
	if err != nil {
		return nil, err
	} else if err := ctx.Err(); err != nil {
		// Don't trust anything from a query that was cancelled partway.
		return nil, err
	}
	return summary, nil
}

type vcsResult struct {
	state *scm.State
	err   error
}

// startVCS starts retrieving the VCS state in the background, giving up after the configured timeout.
func (q *Querier) startVCS(ctx context.Context) <-chan vcsResult {
	ch := make(chan vcsResult, 1)
	if q.vcs == nil {
		ch <- vcsResult{err: errors.New("no version control system available")}
		return ch
	}
	go func() {
		if q.vcsTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, q.vcsTimeout)
			defer cancel()
		}
		state, err := q.vcs.State(ctx)
		if err == nil && state == nil {
			err = errors.New("no VCS state returned")
		}
		ch <- vcsResult{state: state, err: err}
	}()
	return ch
}

// validDefinition returns a copy of the definition containing only the directories that
// contain at least one package.
func (q *Querier) validDefinition(def core.ProjectDefinition) (core.ProjectDefinition, error) {
	includes := q.validDirectories(def.Includes)
	if len(includes) == 0 {
		return def, fmt.Errorf("none of the project directories [%s] contain any BUILD files", strings.Join(def.Includes, ", "))
	}
	return core.NewProjectDefinition(includes, q.validDirectories(def.Excludes)), nil
}

func (q *Querier) validDirectories(dirs []string) []string {
	ret := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if q.isValid(dir) {
			ret = append(ret, dir)
		} else {
			log.Warning("Directory %s doesn't contain any packages, ignoring it", dir)
		}
	}
	return ret
}

// isValid returns true if the given workspace-relative directory is a package or contains any.
func (q *Querier) isValid(dir string) bool {
	root := filepath.Join(q.workspaceRoot, dir)
	if root == "" {
		root = "."
	}
	if !fs.IsDirectory(root) {
		return false
	}
	packages := map[string]bool{}
	var sources []string
	if err := fs.Walk(root, func(name string, isDir bool) error {
		if isDir && strings.HasPrefix(filepath.Base(name), ".") && name != root {
			return fs.SkipDir
		} else if !isDir && core.IsBuildFile(name) {
			packages[filepath.Dir(name)] = true
		} else if !isDir && (strings.HasSuffix(name, ".java") || strings.HasSuffix(name, ".kt")) {
			sources = append(sources, name)
		}
		return nil
	}); err != nil && !os.IsNotExist(err) {
		log.Warning("Failed to walk %s: %s", root, err)
	}
	for _, src := range sources {
		if !inPackage(src, root, packages) {
			log.Warning("Sources found outside BUILD packages: %s", src)
		}
	}
	return len(packages) > 0
}

func inPackage(file, root string, packages map[string]bool) bool {
	for dir := filepath.Dir(file); ; dir = filepath.Dir(dir) {
		if packages[dir] {
			return true
		} else if dir == root || dir == "." || dir == "/" {
			return false
		}
	}
}
