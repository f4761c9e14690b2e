package query

import (
	"path"
	"strings"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/scm"
)

// AffectedPackages is the set of packages that need re-querying after some files have changed.
type AffectedPackages struct {
	// Modified are packages whose contents may have changed and need querying again.
	Modified PackageSet
	// Deleted are packages that no longer exist.
	Deleted PackageSet
	// Incomplete is true if some changes couldn't be attributed to packages reliably,
	// in which case the caller should fall back to a full query.
	Incomplete bool
}

// IsEmpty returns true if no packages are affected.
func (a *AffectedPackages) IsEmpty() bool {
	return len(a.Modified) == 0 && len(a.Deleted) == 0
}

// CalculateAffectedPackages works out which packages in the last query are affected by the
// given set of changes to files in the workspace.
func CalculateAffectedPackages(def core.ProjectDefinition, lastQuery *Summary, changes []scm.FileChange) *AffectedPackages {
	result := &AffectedPackages{Modified: NewPackageSet(), Deleted: NewPackageSet()}
	packages := lastQuery.Packages()

	var projectChanges, nonProjectChanges []scm.FileChange
	for _, change := range changes {
		if def.IsIncluded(change.Path) {
			projectChanges = append(projectChanges, change)
		} else {
			nonProjectChanges = append(nonProjectChanges, change)
		}
	}
	if len(nonProjectChanges) > 0 {
		result.Incomplete = true
		paths := make([]string, len(nonProjectChanges))
		for i, c := range nonProjectChanges {
			paths[i] = c.Path
		}
		log.Warning("Edited %d files outside of your project view, this may cause your project to be out of sync. Files:\n  %s",
			len(nonProjectChanges), strings.Join(paths, "\n  "))
	}

	buildFileChanges := 0
	for _, c := range projectChanges {
		if !core.IsBuildFile(c.Path) {
			continue
		}
		buildFileChanges++
		pkg := packageOf(c.Path)
		if c.Op != scm.Add && !packages.Contains(pkg) {
			log.Warning("Modified BUILD file %s not in a known package; your project may be out of sync", c.Path)
			result.Incomplete = true
		}
		switch c.Op {
		case scm.Add:
			result.Modified.Add(pkg)
			if parent, present := packages.Parent(pkg); present {
				result.Modified.Add(parent)
			}
		case scm.Delete:
			result.Deleted.Add(pkg)
			if parent, present := packages.Parent(pkg); present {
				result.Modified.Add(parent)
			}
		case scm.Modify:
			result.Modified.Add(pkg)
		}
	}
	if buildFileChanges > 0 {
		log.Info("Edited %d BUILD files", buildFileChanges)
	}

	reverseSubincludes := lastQuery.ReverseSubincludes()
	var affectedBySubinclude []string
	nonProject := 0
	for _, c := range changes {
		for _, buildFile := range reverseSubincludes[c.Path] {
			if !core.IsBuildFile(buildFile) {
				continue
			} else if !def.IsIncluded(buildFile) {
				nonProject++
			} else {
				affectedBySubinclude = append(affectedBySubinclude, buildFile)
			}
		}
	}
	if nonProject > 0 {
		log.Warning("%d BUILD files outside of your project view are affected by changes to their includes; your project may be out of sync", nonProject)
		result.Incomplete = true
	}
	if len(affectedBySubinclude) > 0 {
		log.Info("%d BUILD files affected by changes to .bzl files they load", len(affectedBySubinclude))
		for _, buildFile := range affectedBySubinclude {
			pkg := packageOf(buildFile)
			if !packages.Contains(pkg) {
				log.Warning("Affected BUILD file %s not in a known package; your project may be out of sync", buildFile)
				result.Incomplete = true
			}
			result.Modified.Add(pkg)
		}
	}
	// A package can't be both deleted and re-queried.
	for pkg := range result.Deleted {
		delete(result.Modified, pkg)
	}
	return result
}

// packageOf returns the package that a BUILD file defines.
func packageOf(buildFile string) string {
	if dir := path.Dir(buildFile); dir != "." {
		return dir
	}
	return ""
}
