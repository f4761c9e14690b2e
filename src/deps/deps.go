// Package deps tracks which external dependencies project code still needs before it can
// be fully analysed, and builds them on request.
package deps

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/artifacts"
	"github.com/thought-machine/querysync/src/cli"
	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/metrics"
	"github.com/thought-machine/querysync/src/querier"
)

var log = logging.MustGetLogger("deps")

// ErrNotSynced is returned when an operation needs the project to have been synced first.
var ErrNotSynced = errors.New("sync is not yet complete")

// maxReportedErrors is the number of targets with build errors that we list individually.
const maxReportedErrors = 10

// A SnapshotSource provides the latest query state of the project.
type SnapshotSource interface {
	// Current returns the current state, or nil if there isn't one yet.
	Current() *querier.State
}

// A Tracker answers questions about which dependencies are still needed.
type Tracker struct {
	project SnapshotSource
	builder artifacts.Builder
	cache   *artifacts.Tracker
}

// New creates a new Tracker.
func New(project SnapshotSource, builder artifacts.Builder, cache *artifacts.Tracker) *Tracker {
	return &Tracker{project: project, builder: builder, cache: cache}
}

// PendingExternalDeps returns the external dependencies of the given targets that are not yet
// in the cache. If several targets are given, they are treated as alternatives (e.g. the
// candidate owners of a source file) and the smallest pending set is returned.
// It returns false if there's no snapshot yet, or no targets were given.
func (t *Tracker) PendingExternalDeps(targets core.LabelSet) (core.LabelSet, bool, error) {
	state := t.project.Current()
	if state == nil || len(targets) == 0 {
		return nil, false, nil
	}
	cached := t.cache.LiveCachedTargets()
	var best core.LabelSet
	for _, target := range targets.Sorted() {
		deps, err := state.Graph.TransitiveExternalDeps(target)
		if err != nil {
			return nil, false, err
		}
		pending := deps.Difference(cached)
		if best == nil || len(pending) < len(best) {
			best = pending
		}
	}
	return best, true, nil
}

// PendingTargets is like PendingExternalDeps but for the owners of a workspace-relative file.
func (t *Tracker) PendingTargets(file string) (core.LabelSet, bool, error) {
	state := t.project.Current()
	if state == nil {
		return nil, false, nil
	}
	return t.PendingExternalDeps(state.Graph.TargetOwners(file))
}

// ProjectTargets resolves a workspace-relative path to the targets that should be built for it.
// A BUILD file gives all the rules in its package, a directory all the rules in packages beneath
// it, and a source file the rules that own it (of which the caller should choose one).
func (t *Tracker) ProjectTargets(file string) core.TargetsToBuild {
	state := t.project.Current()
	if state == nil {
		return core.NoTargetsToBuild
	}
	g := state.Graph
	file = strings.TrimSuffix(path.Clean(file), "/")
	if file == "." {
		file = ""
	}
	if core.IsBuildFile(file) {
		pkg := path.Dir(file)
		if pkg == "." {
			pkg = ""
		}
		return core.NewTargetGroup(g.RulesInPackage(pkg))
	} else if rules := g.RulesUnder(file); len(rules) > 0 {
		return core.NewTargetGroup(rules)
	} else if owners := g.TargetOwners(file); len(owners) > 0 {
		return core.NewSourceFileTargets(owners)
	}
	log.Error("Can't find any supported targets for %s%s", file, cli.PrettyPrintSuggestion(file, g.AllSourceFiles(), 4, 5))
	log.Error("If this is a newly added supported rule, please re-sync your project.")
	return core.NoTargetsToBuild
}

// CachedArtifacts returns the cached files for a target, or false if it's never been built.
func (t *Tracker) CachedArtifacts(target core.Label) ([]string, bool) {
	return t.cache.CachedFiles(target)
}

// BuildDependenciesForTargets builds the given project targets together with all their transitive
// external dependencies, and caches the outputs of those dependencies.
// It returns false without building anything if every dependency is already cached.
func (t *Tracker) BuildDependenciesForTargets(ctx context.Context, targets core.LabelSet) (bool, error) {
	state := t.project.Current()
	if state == nil {
		return false, ErrNotSynced
	}
	externalDeps := core.NewLabelSet()
	for target := range targets {
		deps, err := state.Graph.TransitiveExternalDeps(target)
		if err != nil {
			return false, err
		}
		externalDeps.AddAll(deps)
	}
	pending := externalDeps.Difference(t.cache.LiveCachedTargets())
	if len(pending) == 0 {
		log.Notice("All dependencies of %d targets are already cached, nothing to build", len(targets))
		return false, nil
	}
	log.Notice("Building %d targets with %d dependencies, %d of which aren't cached", len(targets), len(externalDeps), len(pending))
	return true, t.buildDependencies(ctx, state, targets, externalDeps)
}

// BuildDependenciesForTarget unconditionally builds a single target and all its external dependencies.
func (t *Tracker) BuildDependenciesForTarget(ctx context.Context, target core.Label) error {
	state := t.project.Current()
	if state == nil {
		return ErrNotSynced
	}
	deps, err := state.Graph.TransitiveExternalDeps(target)
	if err != nil {
		return err
	} else if len(deps) == 0 {
		log.Notice("%s has no external dependencies", target)
		return nil
	}
	return t.buildDependencies(ctx, state, core.NewLabelSet(target), deps)
}

func (t *Tracker) buildDependencies(ctx context.Context, state *querier.State, requested, deps core.LabelSet) (err error) {
	ctx, span := otel.Tracer("deps").Start(ctx, "BuildDependencies")
	defer span.End()
	span.SetAttributes(attribute.Int("requested", len(requested)), attribute.Int("dependencies", len(deps)))
	start := time.Now()
	defer func() { metrics.RecordBuild(err == nil, time.Since(start)) }()

	targets := requested.Clone()
	targets.AddAll(deps)
	info, err := t.builder.Build(ctx, targets, languages(state, targets))
	if err != nil {
		return err
	} else if err := reportErrors(state.Definition, targets, info); err != nil {
		return err
	}
	result, err := t.cache.Update(ctx, deps, info)
	if err != nil {
		return err
	} else if result.Warnings != nil {
		log.Warning("Some artifacts couldn't be cached: %s", result.Warnings)
	}
	log.Notice("Build complete in %s: %d files updated", time.Since(start).Round(time.Millisecond), len(result.UpdatedFiles))
	return nil
}

// languages returns the languages of the given targets.
func languages(state *querier.State, targets core.LabelSet) []artifacts.Language {
	java, kotlin, android := false, false, false
	for target := range targets {
		if state.Graph.IsAndroid(target) {
			android = true
		}
		if strings.HasPrefix(state.Graph.RuleClass(target), "kt_") {
			kotlin = true
		} else {
			java = true
		}
	}
	var ret []artifacts.Language
	if java {
		ret = append(ret, artifacts.Java)
	}
	if kotlin {
		ret = append(ret, artifacts.Kotlin)
	}
	if android {
		ret = append(ret, artifacts.Android)
	}
	return ret
}

// reportErrors logs any build errors. It returns an error only if the build produced nothing usable.
func reportErrors(def core.ProjectDefinition, targets core.LabelSet, info *artifacts.OutputInfo) error {
	if info.IsEmpty() {
		return &core.NoOutputsBuiltError{Targets: targets.Sorted(), ExitCode: info.ExitCode}
	}
	hasWarnings := false
	if len(info.TargetsWithErrors) > 0 {
		hasWarnings = true
		var external, project []core.Label
		for _, label := range info.TargetsWithErrors.Sorted() {
			if def.IsIncludedLabel(label) {
				project = append(project, label)
			} else {
				external = append(external, label)
			}
		}
		if len(external) > 0 {
			log.Error("%d external %s had build errors: \n  %s", len(external), pluralise("dependency", "dependencies", len(external)), joinLabels(external))
		}
		if len(project) > 0 {
			log.Warning("%d project %s had build errors: \n  %s", len(project), pluralise("target", "targets", len(project)), joinLabels(project))
		}
	} else if info.ExitCode != 0 {
		// This happens if there's an error in a BUILD file, since no actions are attempted then.
		hasWarnings = true
		log.Error("There were build errors.")
	}
	if hasWarnings {
		log.Error("Your dependencies may be incomplete. If you see unresolved symbols, please fix the above build errors and try again.")
	}
	return nil
}

func joinLabels(labels []core.Label) string {
	var sb strings.Builder
	for i, label := range labels {
		if i == maxReportedErrors {
			sb.WriteString(fmt.Sprintf("\nand %d more.", len(labels)-maxReportedErrors))
			break
		} else if i > 0 {
			sb.WriteString("\n  ")
		}
		sb.WriteString(label.String())
	}
	return sb.String()
}

func pluralise(singular, plural string, n int) string {
	if n == 1 {
		return singular
	}
	return plural
}
