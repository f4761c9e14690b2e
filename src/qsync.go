package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/artifacts"
	"github.com/thought-machine/querysync/src/bazel"
	"github.com/thought-machine/querysync/src/cli"
	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/deps"
	"github.com/thought-machine/querysync/src/fs"
	"github.com/thought-machine/querysync/src/metrics"
	"github.com/thought-machine/querysync/src/process"
	"github.com/thought-machine/querysync/src/project"
	"github.com/thought-machine/querysync/src/querier"
	"github.com/thought-machine/querysync/src/scm"
)

var log = logging.MustGetLogger("qsync")

var opts struct {
	Usage string `usage:"qsync keeps a dependency graph of part of a Bazel workspace up to date and builds the external dependencies its code needs."`

	Verbosity     cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (error, warning, notice, info, debug)"`
	LogFile       string        `long:"log_file" description:"File to echo full logging output to"`
	LogFileLevel  cli.Verbosity `long:"log_file_level" default:"debug" description:"Log level for file output"`
	WorkspaceRoot string        `short:"r" long:"workspace_root" description:"Root of the workspace. Found by walking up from the current directory if not given."`

	Sync struct {
		Full bool `short:"f" long:"full" description:"Always query the whole project, even if an incremental update is possible"`
	} `command:"sync" description:"Queries the project and updates the saved graph"`

	Update struct {
	} `command:"update" description:"Incrementally updates the saved graph from changes in the working copy"`

	Deps struct {
		Args struct {
			Files []string `positional-arg-name:"files" required:"true" description:"Files to show pending dependencies of"`
		} `positional-args:"true" required:"true"`
	} `command:"deps" description:"Shows the external dependencies that files still need built"`

	Build struct {
		Target core.Label `short:"t" long:"target" description:"Target to use for a file that is owned by more than one"`
		Force  bool       `long:"force" description:"Rebuild all external dependencies of the owning target, even those already cached"`
		Args   struct {
			Paths []string `positional-arg-name:"paths" required:"true" description:"Files, directories or BUILD files to build dependencies for"`
		} `positional-args:"true" required:"true"`
	} `command:"build" description:"Builds the external dependencies needed by files, directories or packages"`

	Cached struct {
		Aars bool `long:"aars" description:"Print the directories of unpacked Android archives instead"`
		Args struct {
			Targets []core.Label `positional-arg-name:"targets" description:"Targets to print cached files of. Prints all cached targets if not given."`
		} `positional-args:"true"`
	} `command:"cached" description:"Shows what's in the artifact cache"`

	Clean struct {
	} `command:"clean" description:"Removes everything from the artifact cache"`
}

// An engine is everything that's wired together to serve a command.
type engine struct {
	config  *core.Configuration
	project *project.Project
	cache   *artifacts.Tracker
	deps    *deps.Tracker
	// The directory we started in, relative to the workspace root.
	initialDir string
}

var buildFunctions = map[string]func(ctx context.Context, e *engine) bool{
	"sync": func(ctx context.Context, e *engine) bool {
		e.project.Load()
		return runSync(ctx, e, !opts.Sync.Full)
	},
	"update": func(ctx context.Context, e *engine) bool {
		e.project.Load()
		return runSync(ctx, e, true)
	},
	"deps": func(ctx context.Context, e *engine) bool {
		if !loadProject(e) {
			return false
		}
		success := true
		for _, file := range opts.Deps.Args.Files {
			file = e.relativePath(file)
			pending, present, err := e.deps.PendingTargets(file)
			if err != nil {
				log.Error("Failed to determine dependencies of %s: %s", file, err)
				success = false
			} else if !present {
				log.Warning("%s isn't part of any target in the project", file)
				success = false
			} else if len(pending) == 0 {
				fmt.Printf("%s: all dependencies are cached\n", file)
			} else {
				fmt.Printf("%s: %d pending\n", file, len(pending))
				for _, label := range pending.Sorted() {
					fmt.Printf("  %s\n", label)
				}
			}
		}
		return success
	},
	"build": func(ctx context.Context, e *engine) bool {
		if !loadProject(e) {
			return false
		}
		targets := core.NewLabelSet()
		for _, path := range opts.Build.Args.Paths {
			if !e.chooseTargets(path, targets) {
				return false
			}
		}
		if opts.Build.Force {
			for _, label := range targets.Sorted() {
				if err := e.deps.BuildDependenciesForTarget(ctx, label); err != nil {
					log.Error("%s", err)
					return false
				}
			}
			return true
		}
		built, err := e.deps.BuildDependenciesForTargets(ctx, targets)
		if err != nil {
			log.Error("%s", err)
			return false
		} else if built {
			log.Notice("Built dependencies of %d targets", len(targets))
			checkCacheSize(e)
		}
		return true
	},
	"cached": func(ctx context.Context, e *engine) bool {
		if opts.Cached.Aars {
			for _, dir := range e.cache.AarDirectories() {
				fmt.Println(dir)
			}
			return true
		} else if len(opts.Cached.Args.Targets) == 0 {
			for _, label := range e.cache.LiveCachedTargets().Sorted() {
				fmt.Println(label)
			}
			return true
		}
		success := true
		for _, label := range opts.Cached.Args.Targets {
			files, present := e.cache.CachedFiles(label)
			if !present {
				log.Warning("%s has not been built", label)
				success = false
				continue
			}
			for _, file := range files {
				fmt.Printf("%s %s\n", label, file)
			}
		}
		return success
	},
	"clean": func(ctx context.Context, e *engine) bool {
		if err := e.cache.Clear(); err != nil {
			log.Error("Failed to clean cache: %s", err)
			return false
		}
		return true
	},
}

// checkCacheSize warns if the cache has grown beyond its configured size.
func checkCacheSize(e *engine) {
	size, files, err := fs.DirSize(e.cache.Root())
	if err != nil {
		log.Warning("Failed to determine cache size: %s", err)
	} else if max := e.config.Cache.MaxSize; max > 0 && cli.ByteSize(size) > max {
		log.Warning("The artifact cache holds %s in %d files, more than the configured %s; run qsync clean to empty it", cli.ByteSize(size), files, max)
	}
}

// runSync brings the project up to date, printing a summary of the new graph when it changes.
func runSync(ctx context.Context, e *engine, incremental bool) bool {
	e.project.OnSnapshotReplaced(func(state *querier.State) {
		log.Notice("Project graph updated: %d packages, %d rules, %d source files", len(state.Graph.Packages()), len(state.Graph.Rules()), len(state.Graph.AllSourceFiles()))
	})
	result := <-e.project.SyncAsync(ctx, incremental)
	e.project.Wait()
	if result.Kind == project.Failure {
		log.Error("Sync failed: %s", result.Err)
		return false
	}
	log.Notice("Sync complete; %d external dependencies needed by the project", len(result.State.Graph.ProjectDeps()))
	return true
}

func loadProject(e *engine) bool {
	if !e.project.Load() {
		log.Error("The project hasn't been synced yet; run qsync sync first.")
		return false
	}
	return true
}

// relativePath converts a path given on the command line to one relative to the workspace root.
func (e *engine) relativePath(path string) string {
	if filepath.IsAbs(path) {
		if rel, err := filepath.Rel(e.config.Sync.WorkspaceRoot, path); err == nil {
			return filepath.ToSlash(rel)
		}
		return path
	}
	return filepath.ToSlash(filepath.Join(e.initialDir, path))
}

// chooseTargets adds the targets to build for the given path to the given set.
// For a source file owned by several targets it picks the one given on the command line if
// there is one, otherwise the one whose dependencies are most likely to already be shared.
func (e *engine) chooseTargets(path string, targets core.LabelSet) bool {
	path = e.relativePath(path)
	toBuild := e.deps.ProjectTargets(path)
	if toBuild.IsEmpty() {
		return false
	} else if !toBuild.IsAmbiguous() {
		targets.AddAll(toBuild.Targets)
		return true
	} else if !opts.Build.Target.IsEmpty() {
		if !toBuild.Targets.Contains(opts.Build.Target) {
			log.Error("%s doesn't own %s; it's owned by %s", opts.Build.Target, path, toBuild.Targets)
			return false
		}
		targets.Add(opts.Build.Target)
		return true
	}
	owner, _ := e.project.Current().Graph.TargetOwner(path)
	log.Notice("%s is owned by %d targets, using %s (pass --target to choose another)", path, len(toBuild.Targets), owner)
	targets.Add(owner)
	return true
}

// newEngine reads the configuration and wires everything up.
func newEngine(ctx context.Context) (*engine, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, initialDir := opts.WorkspaceRoot, "."
	if root == "" {
		if root, initialDir, err = core.FindWorkspaceRoot(wd); err != nil {
			return nil, err
		}
		log.Debug("Found workspace root at %s", root)
	} else if root, err = filepath.Abs(root); err != nil {
		return nil, err
	} else if rel, err := filepath.Rel(root, wd); err == nil && !strings.HasPrefix(rel, "..") {
		initialDir = rel
	}
	if err := os.Chdir(root); err != nil {
		return nil, err
	}
	config, err := core.ReadConfigFiles(core.ConfigFiles(root))
	if err != nil {
		return nil, err
	}
	config.Sync.WorkspaceRoot = root
	if !filepath.IsAbs(config.Cache.Dir) {
		config.Cache.Dir = filepath.Join(root, config.Cache.Dir)
	}
	metrics.InitFromConfig(config)

	executor := process.New()
	if err := bazel.CheckVersion(ctx, config, executor); err != nil {
		return nil, err
	}
	runner, err := bazel.NewRunner(config, executor)
	if err != nil {
		return nil, err
	}
	builder, err := bazel.NewBuilder(config, executor)
	if err != nil {
		return nil, err
	}
	cache, err := artifacts.New(config.Cache.Dir, config.Sync.Parallelism)
	if err != nil {
		return nil, err
	}
	q := querier.New(runner, scm.NewFallback(root, executor), config)
	p := project.New(config.ProjectDefinition(), q, project.NewFileStore(config.StateDir()))
	return &engine{
		config:     config,
		project:    p,
		cache:      cache,
		deps:       deps.New(p, builder, cache),
		initialDir: initialDir,
	}, nil
}

func main() {
	command := cli.ParseFlagsOrDie("qsync", &opts)
	cli.InitLogging(opts.Verbosity)
	if opts.LogFile != "" {
		closeLog, err := cli.InitFileLogging(opts.LogFile, opts.LogFileLevel)
		if err != nil {
			log.Fatalf("%s", err)
		}
		defer closeLog()
	}
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warning("Failed to set GOMAXPROCS: %s", err)
	}
	ctx, cancel := cli.WithSignals(context.Background())
	defer cancel()
	start := time.Now()
	e, err := newEngine(ctx)
	if err != nil {
		log.Fatalf("%s", err)
	}
	success := buildFunctions[command](ctx, e)
	metrics.Stop()
	log.Debug("%s completed in %s", command, time.Since(start).Round(time.Millisecond))
	if !success {
		cancel()
		os.Exit(1)
	}
}
