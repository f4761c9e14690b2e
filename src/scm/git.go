package scm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/thought-machine/querysync/src/process"
)

const devNull = "/dev/null"

// git implements operations on a git repository.
type git struct {
	repoRoot string
	executor *process.Executor
}

// State returns the merge base with the upstream branch and the files changed since it,
// including untracked ones.
func (g *git) State(ctx context.Context) (*State, error) {
	upstream, err := g.upstreamRevision(ctx)
	if err != nil {
		return nil, err
	}
	out, err := g.run(ctx, "diff", upstream, "--no-color", "--no-ext-diff", "--unified=0", "--no-renames")
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	changes, err := parseWorkingSet(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse git diff: %w", err)
	}
	out, err = g.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("unable to determine untracked files: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			changes = append(changes, FileChange{Op: Add, Path: line})
		}
	}
	sortChanges(changes)
	log.Debug("Upstream revision %s, %d files in working set", upstream, len(changes))
	return &State{UpstreamRevision: upstream, WorkingSet: changes}, nil
}

// upstreamRevision returns the merge base with the tracked upstream branch, or HEAD if there isn't one.
func (g *git) upstreamRevision(ctx context.Context) (string, error) {
	if out, err := g.run(ctx, "merge-base", "HEAD", "@{upstream}"); err == nil {
		return strings.TrimSpace(string(out)), nil
	}
	log.Debug("No upstream branch configured, using HEAD")
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *git) run(ctx context.Context, args ...string) ([]byte, error) {
	out, _, err := g.executor.ExecWithTimeout(ctx, g.repoRoot, nil, 0, append([]string{"git"}, args...))
	return out, err
}

// parseWorkingSet converts a git diff into the set of files it changes.
func parseWorkingSet(input []byte) ([]FileChange, error) {
	fds, err := diff.ParseMultiFileDiff(input)
	if err != nil {
		return nil, err
	}
	changes := make([]FileChange, 0, len(fds))
	for _, fd := range fds {
		switch {
		case fd.OrigName == devNull || hasExtendedHeader(fd, "new file mode"):
			changes = append(changes, FileChange{Op: Add, Path: strings.TrimPrefix(fd.NewName, "b/")})
		case fd.NewName == devNull || hasExtendedHeader(fd, "deleted file mode"):
			changes = append(changes, FileChange{Op: Delete, Path: strings.TrimPrefix(fd.OrigName, "a/")})
		default:
			changes = append(changes, FileChange{Op: Modify, Path: strings.TrimPrefix(fd.NewName, "b/")})
		}
	}
	return changes, nil
}

func hasExtendedHeader(fd *diff.FileDiff, prefix string) bool {
	for _, ext := range fd.Extended {
		if strings.HasPrefix(ext, prefix) {
			return true
		}
	}
	return false
}
