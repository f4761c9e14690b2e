package query

import (
	"path"
	"sort"
	"strings"
)

// A PackageSet is a set of build packages, as workspace-relative paths.
// The root package is the empty string.
type PackageSet map[string]struct{}

// NewPackageSet returns a new set containing the given packages.
func NewPackageSet(packages ...string) PackageSet {
	s := make(PackageSet, len(packages))
	for _, pkg := range packages {
		s[pkg] = struct{}{}
	}
	return s
}

// Add adds a package to this set.
func (s PackageSet) Add(pkg string) {
	s[pkg] = struct{}{}
}

// Contains returns true if the given package is in this set.
func (s PackageSet) Contains(pkg string) bool {
	_, present := s[pkg]
	return present
}

// Parent returns the closest package that is a strict ancestor of the given one.
// This is not necessarily the parent directory, since intermediate directories needn't be packages.
func (s PackageSet) Parent(pkg string) (string, bool) {
	if pkg == "" {
		return "", false
	}
	return s.Containing(parentDir(pkg))
}

// Containing returns the package that contains the given path: the path itself if it's a
// package, otherwise the closest ancestor that is.
func (s PackageSet) Containing(p string) (string, bool) {
	for {
		if s.Contains(p) {
			return p, true
		} else if p == "" {
			return "", false
		}
		p = parentDir(p)
	}
}

// Subpackages returns all packages at or under the given directory, sorted.
func (s PackageSet) Subpackages(dir string) []string {
	ret := []string{}
	for pkg := range s {
		if dir == "" || pkg == dir || strings.HasPrefix(pkg, dir+"/") {
			ret = append(ret, pkg)
		}
	}
	sort.Strings(ret)
	return ret
}

// Sorted returns the contents of this set, sorted.
func (s PackageSet) Sorted() []string {
	ret := make([]string, 0, len(s))
	for pkg := range s {
		ret = append(ret, pkg)
	}
	sort.Strings(ret)
	return ret
}

func parentDir(p string) string {
	if dir := path.Dir(p); dir != "." && dir != "/" {
		return dir
	}
	return ""
}
