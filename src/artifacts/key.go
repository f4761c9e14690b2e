package artifacts

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/thought-machine/querysync/src/core"
)

// sanitise converts a label into something that can be used as a single path component,
// e.g. //pkg:foo becomes pkg_foo.
func sanitise(label core.Label) string {
	var sb strings.Builder
	lastUnderscore := true // Suppresses leading underscores.
	for _, r := range label.String() {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			sb.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			sb.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(sb.String(), "_")
}

// cacheKey returns a stable key for an artifact, derived from its owning label and its path.
func cacheKey(a Artifact) string {
	return fmt.Sprintf("%s_%08x", sanitise(a.Label), uint32(xxhash.Sum64String(a.Path)))
}

// destination returns the cache-relative path that an artifact is stored at.
// Archives are unpacked into a directory named after their label; everything else
// is stored flat in the directory for its role.
func destination(a Artifact, r role) string {
	if unpacked(r, a.Path) {
		if strings.TrimSuffix(filepath.Base(a.Path), ".aar") == a.Label.Name {
			return path.Join(r.dir(), sanitise(a.Label))
		}
		return path.Join(r.dir(), cacheKey(a))
	}
	return path.Join(r.dir(), cacheKey(a)+"_"+filepath.Base(a.Path))
}

// unpacked returns true if an artifact with this role and path is unzipped into a directory
// in the cache, rather than being stored as a single file.
func unpacked(r role, p string) bool {
	return r == aarRole && filepath.Ext(p) == ".aar"
}
