package artifacts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/thought-machine/querysync/src/core"
)

// A Language is one of the languages we can ask the build tool to produce dependencies for.
type Language string

// The languages we know how to build dependencies for.
const (
	Java    Language = "java"
	Kotlin  Language = "kotlin"
	Android Language = "android"
)

// An Artifact is a single file produced by a build.
type Artifact struct {
	// The target that produced it.
	Label core.Label
	// Absolute path to the file as written by the build tool.
	Path string
	// Digest reported by the build tool, if any. If empty we compute our own.
	Digest string
}

// OutputInfo describes everything produced by a single build episode.
type OutputInfo struct {
	Jars    []Artifact
	Aars    []Artifact
	GenSrcs []Artifact
	Other   []Artifact
	// Targets that failed to build. The others may still have produced outputs.
	TargetsWithErrors core.LabelSet
	ExitCode          int
	EpisodeID         uuid.UUID
	StartTime         time.Time
}

// NewOutputInfo returns a new, empty OutputInfo for a build episode starting now.
func NewOutputInfo() *OutputInfo {
	return &OutputInfo{
		TargetsWithErrors: core.NewLabelSet(),
		EpisodeID:         uuid.New(),
		StartTime:         time.Now(),
	}
}

// IsEmpty returns true if the build produced no artifacts at all.
func (info *OutputInfo) IsEmpty() bool {
	return len(info.Jars) == 0 && len(info.Aars) == 0 && len(info.GenSrcs) == 0 && len(info.Other) == 0
}

// Len returns the total number of artifacts.
func (info *OutputInfo) Len() int {
	return len(info.Jars) + len(info.Aars) + len(info.GenSrcs) + len(info.Other)
}

// Labels returns the set of labels that produced at least one artifact.
func (info *OutputInfo) Labels() core.LabelSet {
	ret := core.NewLabelSet()
	for _, a := range info.all() {
		ret.Add(a.artifact.Label)
	}
	return ret
}

// A role says what kind of artifact something is and therefore how it is cached.
type role int

const (
	jarRole role = iota
	aarRole
	genSrcRole
	otherRole
)

// dir returns the subdirectory of the cache that artifacts of this role are stored in.
func (r role) dir() string {
	switch r {
	case aarRole:
		return "aars"
	case genSrcRole:
		return "gensrc"
	case otherRole:
		return "other"
	}
	return "jars"
}

var allRoles = []role{jarRole, aarRole, genSrcRole, otherRole}

type roleArtifact struct {
	artifact Artifact
	role     role
}

func (info *OutputInfo) all() []roleArtifact {
	ret := make([]roleArtifact, 0, info.Len())
	for _, a := range info.Jars {
		ret = append(ret, roleArtifact{artifact: a, role: jarRole})
	}
	for _, a := range info.Aars {
		ret = append(ret, roleArtifact{artifact: a, role: aarRole})
	}
	for _, a := range info.GenSrcs {
		ret = append(ret, roleArtifact{artifact: a, role: genSrcRole})
	}
	for _, a := range info.Other {
		ret = append(ret, roleArtifact{artifact: a, role: otherRole})
	}
	return ret
}

// A Builder invokes the build tool to produce outputs for a set of targets.
type Builder interface {
	Build(ctx context.Context, targets core.LabelSet, languages []Language) (*OutputInfo, error)
}
