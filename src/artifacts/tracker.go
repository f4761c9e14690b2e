// Package artifacts implements the local cache of built dependency artifacts.
// It tracks which targets have their outputs available on disk so that code depending
// only on those targets can be fully analysed.
package artifacts

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/fs"
	"github.com/thought-machine/querysync/src/metrics"
)

var log = logging.MustGetLogger("artifacts")

// An entry is a single file or unpacked directory in the cache.
type entry struct {
	Label  string
	Role   role
	Source string
	Digest string
}

// UpdateResult describes what changed in the cache as a result of an update.
type UpdateResult struct {
	// Absolute paths of files that were written. Unchanged artifacts are not included.
	UpdatedFiles []string
	// Cache-relative keys of entries that were removed because their target no longer produces them.
	RemovedKeys []string
	// Errors for individual artifacts that couldn't be cached. These don't fail the update.
	Warnings error
}

// A Tracker manages the artifact cache beneath a single root directory.
type Tracker struct {
	root        string
	parallelism int
	locks       *lockTable
	// Held for reading by updates and for writing by Clear.
	clearing sync.RWMutex
	// Guards everything below.
	mutex   sync.Mutex
	entries map[string]*entry
	targets map[core.Label][]string
	aarDirs map[string]struct{}
}

// New creates a new Tracker rooted at the given directory and loads any previously saved state.
// A missing or unreadable state file just means we start with an empty cache.
func New(root string, parallelism int) (*Tracker, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	t := &Tracker{
		root:        root,
		parallelism: parallelism,
		locks:       newLockTable(),
		entries:     map[string]*entry{},
		targets:     map[core.Label][]string{},
		aarDirs:     map[string]struct{}{},
	}
	for _, r := range allRoles {
		if err := os.MkdirAll(filepath.Join(root, r.dir()), fs.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	if stale, _ := filepath.Glob(filepath.Join(root, ".staging*")); len(stale) > 0 {
		log.Debug("Removing %d staging directories left by an interrupted update", len(stale))
		for _, dir := range stale {
			os.RemoveAll(dir)
		}
	}
	if err := t.load(); err != nil {
		log.Warning("Failed to load artifact tracker state, starting afresh: %s", err)
	}
	return t, nil
}

// Root returns the root directory of the cache.
func (t *Tracker) Root() string {
	return t.root
}

// Update ingests the outputs of a build episode into the cache.
// Updates for overlapping sets of labels are serialised; disjoint ones may run concurrently.
// Failures for individual artifacts are logged and reported in the result's Warnings, they
// don't fail the update as a whole.
func (t *Tracker) Update(ctx context.Context, targets core.LabelSet, info *OutputInfo) (*UpdateResult, error) {
	ctx, span := otel.Tracer("artifacts").Start(ctx, "Update")
	defer span.End()
	span.SetAttributes(attribute.Int("targets", len(targets)), attribute.Int("artifacts", info.Len()))
	start := time.Now()

	t.clearing.RLock()
	defer t.clearing.RUnlock()
	labels := targets.Clone()
	labels.AddAll(info.Labels())
	unlock := t.locks.Lock(labels)
	defer unlock()

	// Everything is written beneath here first and only moved into place once the whole
	// episode has been ingested, so a cancelled update leaves the cache as it was.
	stage, err := os.MkdirTemp(t.root, ".staging")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	var g errgroup.Group
	g.SetLimit(t.parallelism)
	var mutex sync.Mutex
	var warnings *multierror.Error
	var updatedFiles []string
	var bytesWritten uint64
	var unchanged int
	ingested := map[string]*entry{}
	staged := map[string]bool{}
	failed := core.NewLabelSet()
	attempted := map[string]bool{}
	for _, ra := range info.all() {
		ra := ra
		if info.TargetsWithErrors.Contains(ra.artifact.Label) {
			log.Debug("Not caching %s from %s, which had build errors", ra.artifact.Path, ra.artifact.Label)
			continue
		}
		dest := destination(ra.artifact, ra.role)
		if attempted[dest] {
			continue
		}
		attempted[dest] = true
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, files, size, err := t.ingest(ra.artifact, ra.role, dest, stage)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				log.Warning("Failed to cache %s: %s", ra.artifact.Path, err)
				warnings = multierror.Append(warnings, fmt.Errorf("%s: %w", ra.artifact.Label, err))
				failed.Add(ra.artifact.Label)
				return nil
			} else if files == nil {
				unchanged++
			} else {
				staged[dest] = true
			}
			ingested[dest] = e
			updatedFiles = append(updatedFiles, files...)
			bytesWritten += size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warning("Artifact cache update cancelled, discarding %d staged artifacts", len(staged))
		return nil, err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	for dest := range staged {
		if label := core.ParseLabel(ingested[dest].Label); failed.Contains(label) && !t.isLive(label) {
			continue // Won't be kept, see below.
		}
		if err := publish(filepath.Join(stage, dest), filepath.Join(t.root, dest)); err != nil {
			e := ingested[dest]
			log.Warning("Failed to move %s into the cache: %s", dest, err)
			warnings = multierror.Append(warnings, fmt.Errorf("%s: %w", e.Label, err))
			failed.Add(core.ParseLabel(e.Label))
			delete(ingested, dest)
			updatedFiles = without(updatedFiles, filepath.Join(t.root, dest))
		}
	}
	newTargets := map[core.Label][]string{}
	for label := range labels {
		if !info.TargetsWithErrors.Contains(label) {
			newTargets[label] = []string{}
		}
	}
	for dest, e := range ingested {
		label := core.ParseLabel(e.Label)
		if failed.Contains(label) && !t.isLive(label) {
			// Not all of it made it into the cache so nothing of it is kept.
			if staged[dest] {
				t.remove(dest)
				updatedFiles = without(updatedFiles, filepath.Join(t.root, dest))
			}
			continue
		}
		t.entries[dest] = e
		if unpacked(e.Role, e.Source) {
			t.aarDirs[dest] = struct{}{}
		}
		newTargets[label] = append(newTargets[label], dest)
	}
	var removed []string
	for label, paths := range newTargets {
		if failed.Contains(label) && !t.isLive(label) {
			delete(newTargets, label)
			continue
		}
		for _, old := range t.targets[label] {
			if attempted[old] {
				if _, present := ingested[old]; !present {
					// Couldn't re-cache this one; keep whatever we had before.
					paths = append(paths, old)
				}
			} else {
				removed = append(removed, old)
				t.remove(old)
			}
		}
		slices.Sort(paths)
		t.targets[label] = paths
	}
	if err := t.save(); err != nil {
		log.Warning("Failed to save artifact tracker state: %s", err)
		warnings = multierror.Append(warnings, err)
	}
	slices.Sort(updatedFiles)
	slices.Sort(removed)
	log.Info("Updated artifact cache for %d targets: %d files written (%s), %d unchanged, %d removed",
		len(newTargets), len(updatedFiles), humanize.Bytes(bytesWritten), unchanged, len(removed))
	metrics.RecordCacheUpdate(len(updatedFiles), unchanged, len(failed), bytesWritten, time.Since(start))
	return &UpdateResult{
		UpdatedFiles: updatedFiles,
		RemovedKeys:  removed,
		Warnings:     warnings.ErrorOrNil(),
	}, nil
}

// ingest copies or unpacks a single artifact into the staging directory, unless an identical one
// is already in the cache. It returns the new entry and the files that will be written once it's
// published, which is nil if nothing needed doing.
func (t *Tracker) ingest(a Artifact, r role, dest, stage string) (*entry, []string, uint64, error) {
	digest := a.Digest
	if digest == "" {
		d, err := fs.FileDigest(a.Path)
		if err != nil {
			return nil, nil, 0, err
		}
		digest = d
	}
	e := &entry{Label: a.Label.String(), Role: r, Source: a.Path, Digest: digest}
	abs := filepath.Join(t.root, dest)
	if t.isCurrent(dest, digest) {
		log.Debug("%s is unchanged, not re-caching", dest)
		return e, nil, 0, nil
	}
	if unpacked(r, a.Path) {
		names, size, err := unzip(a.Path, filepath.Join(stage, dest))
		if err != nil {
			return nil, nil, 0, err
		}
		files := make([]string, len(names))
		for i, name := range names {
			files[i] = filepath.Join(abs, name)
		}
		return e, files, size, nil
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		return nil, nil, 0, err
	} else if err := fs.CopyFile(a.Path, filepath.Join(stage, dest), 0644); err != nil {
		return nil, nil, 0, err
	}
	return e, []string{abs}, uint64(info.Size()), nil
}

// without returns the given files minus the one at path, or any beneath it if it's a directory.
func without(files []string, path string) []string {
	ret := files[:0]
	for _, f := range files {
		if f != path && !strings.HasPrefix(f, path+string(filepath.Separator)) {
			ret = append(ret, f)
		}
	}
	return ret
}

// publish moves a staged file or directory into its final place in the cache.
func publish(from, to string) error {
	if info, err := os.Stat(from); err != nil {
		return err
	} else if info.IsDir() {
		return fs.ReplaceDir(from, to)
	} else if err := fs.EnsureDir(to); err != nil {
		return err
	}
	return os.Rename(from, to)
}

// isLive returns true if the given target was already in the cache. The mutex must be held.
func (t *Tracker) isLive(label core.Label) bool {
	_, present := t.targets[label]
	return present
}

// isCurrent returns true if the cache already holds an artifact with the given digest at this path.
func (t *Tracker) isCurrent(dest, digest string) bool {
	t.mutex.Lock()
	e, present := t.entries[dest]
	t.mutex.Unlock()
	return present && e.Digest == digest && fs.PathExists(filepath.Join(t.root, dest))
}

// unzip extracts an archive into the given directory, which must not already exist.
// It returns the names of the files that were written, relative to that directory.
func unzip(archive, dest string) ([]string, uint64, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	if err := os.MkdirAll(dest, fs.DirPermissions); err != nil {
		return nil, 0, err
	}
	files := []string{}
	var size uint64
	for _, f := range r.File {
		name := path.Clean(f.Name)
		if strings.HasPrefix(name, "../") || name == ".." || path.IsAbs(name) {
			return nil, 0, fmt.Errorf("archive %s contains invalid path %s", archive, f.Name)
		} else if f.FileInfo().IsDir() {
			continue
		}
		if err := extractFile(f, filepath.Join(dest, name)); err != nil {
			return nil, 0, err
		}
		files = append(files, filepath.FromSlash(name))
		size += f.UncompressedSize64
	}
	return files, size, nil
}

func extractFile(f *zip.File, to string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(to), fs.DirPermissions); err != nil {
		return err
	}
	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// remove deletes an entry from the cache. The mutex must be held.
func (t *Tracker) remove(dest string) {
	if err := os.RemoveAll(filepath.Join(t.root, dest)); err != nil {
		log.Warning("Failed to remove %s from cache: %s", dest, err)
	}
	delete(t.entries, dest)
	delete(t.aarDirs, dest)
}

// LiveCachedTargets returns the set of targets whose artifacts are currently in the cache.
func (t *Tracker) LiveCachedTargets() core.LabelSet {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return core.NewLabelSet(maps.Keys(t.targets)...)
}

// CachedFiles returns the absolute paths of the cached files for a target.
// It returns false if the target has never been cached.
func (t *Tracker) CachedFiles(label core.Label) ([]string, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	paths, present := t.targets[label]
	if !present {
		return nil, false
	}
	ret := make([]string, len(paths))
	for i, p := range paths {
		ret[i] = filepath.Join(t.root, p)
	}
	return ret, true
}

// AarDirectories returns the absolute paths of all the directories that archives have been unpacked into.
func (t *Tracker) AarDirectories() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	ret := make([]string, 0, len(t.aarDirs))
	for dir := range t.aarDirs {
		ret = append(ret, filepath.Join(t.root, dir))
	}
	slices.Sort(ret)
	return ret
}

// Clear removes everything from the cache.
func (t *Tracker) Clear() error {
	t.clearing.Lock()
	defer t.clearing.Unlock()
	t.mutex.Lock()
	defer t.mutex.Unlock()
	var merr *multierror.Error
	var total uint64
	for _, r := range allRoles {
		dir := filepath.Join(t.root, r.dir())
		size, _, _ := fs.DirSize(dir)
		total += size
		if _, err := fs.RemoveAll(dir); err != nil {
			merr = multierror.Append(merr, err)
		} else if err := os.MkdirAll(dir, fs.DirPermissions); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	t.entries = map[string]*entry{}
	t.targets = map[core.Label][]string{}
	t.aarDirs = map[string]struct{}{}
	if err := t.save(); err != nil {
		merr = multierror.Append(merr, err)
	}
	log.Notice("Cleared artifact cache at %s, freed %s", t.root, humanize.Bytes(total))
	return merr.ErrorOrNil()
}
