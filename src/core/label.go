package core

import (
	"fmt"
	"path"
	"strings"

	"github.com/peterebden/go-deferred-regex"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("core")

// A Label identifies a build rule or source file in the workspace, eg. //java/com/foo:foo
// corresponds to Label{PackageName: "java/com/foo", Name: "foo"}.
// Labels in external repositories carry the repository name including its leading @,
// eg. @maven//:guava is Label{Repo: "@maven", PackageName: "", Name: "guava"}.
// Labels are comparable and are used directly as map keys.
type Label struct {
	Repo        string
	PackageName string
	Name        string
}

// Repository names are a little more permissive than package names; Bazel allows ~ in canonical names.
const repoPart = `@@?[A-Za-z0-9\._~\+-]*`
const packagePart = `[^/:]+`
const packageName = "(" + packagePart + "(?:/" + packagePart + ")*)"

// Target names are anything that isn't a colon; source file labels routinely contain slashes.
const targetName = `([^:]+)`

// Fully specified labels, e.g. @repo//java/com/foo:foo or //java/com/foo:Foo.java
var absoluteLabel = deferredregex.DeferredRegex{Re: fmt.Sprintf("^(%s)?//(?:%s)?:%s$", repoPart, packageName, targetName)}

// Labels with an implicit target name, e.g. //java/com/foo (expands to //java/com/foo:foo)
var implicitLabel = deferredregex.DeferredRegex{Re: fmt.Sprintf("^(%s)?//%s$", repoPart, packageName)}

// Labels naming the root of a repository, e.g. @maven (expands to @maven//:maven)
var repoLabel = deferredregex.DeferredRegex{Re: fmt.Sprintf("^(%s)$", repoPart)}

// String returns the canonical form of the label.
func (label Label) String() string {
	return label.Repo + "//" + label.PackageName + ":" + label.Name
}

// Package returns the workspace-relative directory of the package this label belongs to.
// It is empty for the root package.
func (label Label) Package() string {
	return label.PackageName
}

// IsExternal returns true if the label lives in a repository other than the main one.
func (label Label) IsExternal() bool {
	return label.Repo != "" && label.Repo != "@" && label.Repo != "@@"
}

// Path returns the workspace-relative path this label would correspond to if it named a file.
func (label Label) Path() string {
	return path.Join(label.PackageName, label.Name)
}

// Less returns true if this label sorts before the other one.
func (label Label) Less(other Label) bool {
	if label.Repo != other.Repo {
		return label.Repo < other.Repo
	}
	if label.PackageName != other.PackageName {
		return label.PackageName < other.PackageName
	}
	return label.Name < other.Name
}

// IsEmpty returns true if this is the zero label.
func (label Label) IsEmpty() bool {
	return label.Name == "" && label.PackageName == "" && label.Repo == ""
}

// NewLabel constructs a new label in the main repository from the given components.
func NewLabel(pkgName, name string) Label {
	return Label{PackageName: pkgName, Name: name}
}

// ParseLabel parses a single label from a string. Panics on failure.
func ParseLabel(target string) Label {
	label, err := TryParseLabel(target)
	if err != nil {
		panic(err)
	}
	return label
}

// TryParseLabel attempts to parse a single label from a string. Returns an error if unsuccessful.
func TryParseLabel(target string) (Label, error) {
	if matches := absoluteLabel.FindStringSubmatch(target); matches != nil {
		return Label{Repo: matches[1], PackageName: matches[2], Name: matches[3]}, nil
	}
	if matches := implicitLabel.FindStringSubmatch(target); matches != nil {
		return Label{Repo: matches[1], PackageName: matches[2], Name: path.Base(matches[2])}, nil
	}
	if matches := repoLabel.FindStringSubmatch(target); matches != nil {
		if name := strings.TrimLeft(matches[1], "@"); name != "" {
			return Label{Repo: matches[1], Name: name}, nil
		}
	}
	return Label{}, fmt.Errorf("Invalid build label: %s", target)
}

// ParseLabels parses a series of labels, returning the first error encountered.
func ParseLabels(targets []string) ([]Label, error) {
	ret := make([]Label, len(targets))
	for i, t := range targets {
		l, err := TryParseLabel(t)
		if err != nil {
			return nil, err
		}
		ret[i] = l
	}
	return ret, nil
}

// UnmarshalFlag unmarshals a label from a command line flag. Implementation of flags.Unmarshaler interface.
func (label *Label) UnmarshalFlag(value string) error {
	l, err := TryParseLabel(value)
	if err != nil {
		return err
	}
	*label = l
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (label *Label) UnmarshalText(text []byte) error {
	return label.UnmarshalFlag(string(text))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (label Label) MarshalText() ([]byte, error) {
	return []byte(label.String()), nil
}
