package core

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterebden/go-deferred-regex"
)

var locationRegex = deferredregex.DeferredRegex{Re: `^(.*):(\d+):(\d+)$`}

// A Location is a position in a source file as reported by the query tool.
type Location struct {
	// File is relative to the workspace root.
	File   string
	Row    int
	Column int
}

// ParseLocation parses a location in the form path/to/file:row:column.
// Absolute paths are only accepted when they lie under workspaceRoot, in which case they
// are made relative to it; otherwise the query must have been run with relative locations.
func ParseLocation(location, workspaceRoot string) (Location, error) {
	matches := locationRegex.FindStringSubmatch(location)
	if matches == nil {
		return Location{}, &ParseError{Input: location, Reason: "location not recognised"}
	}
	file := matches[1]
	if filepath.IsAbs(file) {
		rel, err := relativise(file, workspaceRoot)
		if err != nil {
			return Location{}, err
		}
		file = rel
	}
	row, _ := strconv.Atoi(matches[2])
	col, _ := strconv.Atoi(matches[3])
	return Location{File: filepath.ToSlash(filepath.Clean(file)), Row: row, Column: col}, nil
}

func relativise(file, workspaceRoot string) (string, error) {
	if workspaceRoot == "" || !strings.HasPrefix(file, strings.TrimSuffix(workspaceRoot, "/")+"/") {
		return "", &ParseError{Input: file, Reason: "filename starts with /: ensure that --relative_locations=true was passed to the query"}
	}
	return filepath.Rel(workspaceRoot, file)
}

// String returns the location in the same format it was parsed from.
func (loc Location) String() string {
	return fmt.Sprintf("%s:%d:%d", loc.File, loc.Row, loc.Column)
}

// IsBuildFile returns true if this location is a BUILD file.
func (loc Location) IsBuildFile() bool {
	return IsBuildFile(loc.File)
}

// IsBuildFile returns true if the given workspace-relative path names a BUILD file.
func IsBuildFile(path string) bool {
	base := filepath.Base(path)
	return base == "BUILD" || base == "BUILD.bazel"
}
