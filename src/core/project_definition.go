package core

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// A ProjectDefinition describes which parts of the workspace make up the project.
// All paths are workspace-relative directories using forward slashes.
type ProjectDefinition struct {
	Includes []string
	Excludes []string
}

// NewProjectDefinition returns a project definition with cleaned & sorted paths.
func NewProjectDefinition(includes, excludes []string) ProjectDefinition {
	return ProjectDefinition{Includes: cleanPaths(includes), Excludes: cleanPaths(excludes)}
}

func cleanPaths(paths []string) []string {
	ret := make([]string, 0, len(paths))
	seen := map[string]bool{}
	for _, p := range paths {
		p = path.Clean(strings.Trim(p, "/"))
		if p == "." {
			p = ""
		}
		if !seen[p] {
			seen[p] = true
			ret = append(ret, p)
		}
	}
	sort.Strings(ret)
	return ret
}

// IsIncluded returns true if the given workspace-relative path is part of the project.
func (def ProjectDefinition) IsIncluded(file string) bool {
	for _, include := range def.Includes {
		if isUnder(file, include) {
			for _, exclude := range def.Excludes {
				if isUnder(file, exclude) {
					return false
				}
			}
			return true
		}
	}
	return false
}

// IsIncludedLabel returns true if the package of the given label is part of the project.
func (def ProjectDefinition) IsIncludedLabel(label Label) bool {
	return !label.IsExternal() && def.IsIncluded(label.PackageName)
}

// isUnder returns true if file is dir or lies beneath it.
func isUnder(file, dir string) bool {
	return dir == "" || file == dir || strings.HasPrefix(file, dir+"/")
}

// Equal returns true if the two definitions describe the same project.
func (def ProjectDefinition) Equal(other ProjectDefinition) bool {
	return equalStrings(def.Includes, other.Includes) && equalStrings(def.Excludes, other.Excludes)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, s := range a {
		if s != b[i] {
			return false
		}
	}
	return true
}

// Hash returns a short identifier of this definition, used to key persisted state.
func (def ProjectDefinition) Hash() string {
	h := xxhash.New()
	for _, inc := range def.Includes {
		h.WriteString("+" + inc + "\n")
	}
	for _, exc := range def.Excludes {
		h.WriteString("-" + exc + "\n")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// String implements the fmt.Stringer interface.
func (def ProjectDefinition) String() string {
	var b strings.Builder
	for _, inc := range def.Includes {
		b.WriteString(" +//" + inc)
	}
	for _, exc := range def.Excludes {
		b.WriteString(" -//" + exc)
	}
	return strings.TrimSpace(b.String())
}

// RecursivePattern returns the query pattern matching everything beneath a directory.
func RecursivePattern(dir string) string {
	if dir == "" {
		return "//..."
	}
	return "//" + dir + "/..."
}

// PackagePattern returns the query pattern matching a single package.
func PackagePattern(pkg string) string {
	return "//" + pkg
}
