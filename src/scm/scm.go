// Package scm abstracts retrieving working-copy state from version control.
// Currently, only git is supported.
package scm

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/fs"
	"github.com/thought-machine/querysync/src/process"
)

var log = logging.MustGetLogger("scm")

// An Operation is the kind of change made to a file.
type Operation int

// The kinds of change that we track.
const (
	Add Operation = iota
	Modify
	Delete
)

func (op Operation) String() string {
	switch op {
	case Add:
		return "ADD"
	case Delete:
		return "DELETE"
	default:
		return "MODIFY"
	}
}

// invert returns the operation that undoes this one.
func (op Operation) invert() Operation {
	switch op {
	case Add:
		return Delete
	case Delete:
		return Add
	default:
		return Modify
	}
}

// A FileChange is a single changed file, relative to the workspace root.
type FileChange struct {
	Op   Operation
	Path string
}

func (c FileChange) String() string {
	return c.Op.String() + " " + c.Path
}

// State is a snapshot of the working copy: the upstream revision it is based on and
// the files that differ from it.
type State struct {
	UpstreamRevision string
	WorkingSet       []FileChange
}

// ChangedSince returns the files that have changed between prev and this state.
// Files that were in the previous working set but no longer are have had their change
// reverted, so they're reported with the inverse operation. Files present in both are
// reported as modified since we can't tell whether their contents have changed since.
func (s *State) ChangedSince(prev *State) []FileChange {
	before := make(map[string]Operation, len(prev.WorkingSet))
	for _, c := range prev.WorkingSet {
		before[c.Path] = c.Op
	}
	changes := []FileChange{}
	seen := make(map[string]bool, len(s.WorkingSet))
	for _, c := range s.WorkingSet {
		seen[c.Path] = true
		if op, present := before[c.Path]; present && op == c.Op {
			changes = append(changes, FileChange{Op: Modify, Path: c.Path})
		} else {
			changes = append(changes, c)
		}
	}
	for _, c := range prev.WorkingSet {
		if !seen[c.Path] {
			changes = append(changes, FileChange{Op: c.Op.invert(), Path: c.Path})
		}
	}
	sortChanges(changes)
	return changes
}

func sortChanges(changes []FileChange) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
}

// A Provider provides the current state of the working copy.
type Provider interface {
	// State returns the current state of the working copy.
	State(ctx context.Context) (*State, error)
}

// New returns a new Provider for this repo root.
// It returns nil if there is no known implementation there.
func New(repoRoot string, executor *process.Executor) Provider {
	if fs.PathExists(filepath.Join(repoRoot, ".git")) {
		return &git{repoRoot: repoRoot, executor: executor}
	}
	return nil
}

// NewFallback returns a new Provider for this repo root.
// If there is no known implementation it returns a stub which always fails.
func NewFallback(repoRoot string, executor *process.Executor) Provider {
	if scm := New(repoRoot, executor); scm != nil {
		return scm
	}
	log.Warning("Cannot determine SCM, incremental updates will always fall back to a full query.")
	return &stub{}
}

type stub struct{}

func (s *stub) State(ctx context.Context) (*State, error) {
	return nil, fmt.Errorf("no supported version control system found")
}
