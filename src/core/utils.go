package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspaceMarkers are the files that identify the root of a workspace, in order of preference.
var workspaceMarkers = []string{ConfigFileName, "MODULE.bazel", "WORKSPACE.bazel", "WORKSPACE"}

// FindWorkspaceRoot walks up from the given directory looking for the root of the workspace.
// It returns the root and the initial directory relative to it.
func FindWorkspaceRoot(dir string) (string, string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", "", err
	}
	for _, marker := range workspaceMarkers {
		for d := dir; ; d = filepath.Dir(d) {
			if _, err := os.Stat(filepath.Join(d, marker)); err == nil {
				rel, _ := filepath.Rel(d, dir)
				return d, rel, nil
			} else if d == filepath.Dir(d) {
				break
			}
		}
	}
	return "", "", fmt.Errorf("couldn't locate the workspace root above %s. Are you sure you're inside a Bazel workspace?", dir)
}
