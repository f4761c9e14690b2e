package core

// A TargetsToBuildKind describes how a set of targets resolved from a path should be treated.
type TargetsToBuildKind int

const (
	// NoTargets means the path couldn't be resolved to anything.
	NoTargets TargetsToBuildKind = iota
	// TargetGroup means all of the targets should be built (eg. for a directory or BUILD file).
	TargetGroup
	// SourceFile means exactly one of the targets should be chosen (eg. an ambiguous source file).
	SourceFile
)

func (k TargetsToBuildKind) String() string {
	switch k {
	case TargetGroup:
		return "group"
	case SourceFile:
		return "source file"
	}
	return "none"
}

// TargetsToBuild is the result of resolving a file, BUILD file or directory to targets.
type TargetsToBuild struct {
	Kind    TargetsToBuildKind
	Targets LabelSet
}

// NoTargetsToBuild is the empty result.
var NoTargetsToBuild = TargetsToBuild{Kind: NoTargets}

// NewTargetGroup returns a result indicating all the given targets should be built.
func NewTargetGroup(targets LabelSet) TargetsToBuild {
	if len(targets) == 0 {
		return NoTargetsToBuild
	}
	return TargetsToBuild{Kind: TargetGroup, Targets: targets}
}

// NewSourceFileTargets returns a result for a source file owned by the given targets.
func NewSourceFileTargets(targets LabelSet) TargetsToBuild {
	if len(targets) == 0 {
		return NoTargetsToBuild
	}
	return TargetsToBuild{Kind: SourceFile, Targets: targets}
}

// IsEmpty returns true if there are no targets.
func (t TargetsToBuild) IsEmpty() bool {
	return len(t.Targets) == 0
}

// IsAmbiguous returns true if exactly one of several targets must be chosen.
func (t TargetsToBuild) IsAmbiguous() bool {
	return t.Kind == SourceFile && len(t.Targets) > 1
}
