package query

import (
	"fmt"
	"io"
	"sync"

	"github.com/thought-machine/querysync/src/core"
)

// A Summary is the result of a query over the workspace, keyed by label.
// It is treated as immutable once constructed.
type Summary struct {
	SourceFiles map[core.Label]*SourceFile
	Rules       map[core.Label]*Rule

	packages PackageSet
	mutex    sync.Mutex
}

// NewSummary returns a new, empty summary.
func NewSummary() *Summary {
	return &Summary{
		SourceFiles: map[core.Label]*SourceFile{},
		Rules:       map[core.Label]*Rule{},
	}
}

// Summarise reads the whole of a stream into a summary.
// Later records for the same label replace earlier ones.
func Summarise(s Stream) (*Summary, error) {
	summary := NewSummary()
	for {
		r, err := s.Next()
		if err == io.EOF {
			return summary, nil
		} else if err != nil {
			return nil, err
		}
		if err := summary.add(r); err != nil {
			return nil, err
		}
	}
}

func (s *Summary) add(r Record) error {
	if r.Rule != nil {
		s.Rules[r.Rule.Label] = r.Rule
	} else if r.SourceFile != nil {
		s.SourceFiles[r.SourceFile.Label] = r.SourceFile
	} else {
		return &core.ParseError{Input: r.String(), Reason: "record is neither a rule nor a source file"}
	}
	s.packages = nil
	return nil
}

// Len returns the number of targets in this summary.
func (s *Summary) Len() int {
	return len(s.SourceFiles) + len(s.Rules)
}

// Packages returns the set of packages in this summary, i.e. those that contain at least one rule.
func (s *Summary) Packages() PackageSet {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.packages == nil {
		s.packages = make(PackageSet, len(s.Rules)/4)
		for label := range s.Rules {
			s.packages.Add(label.PackageName)
		}
	}
	return s.packages
}

// ParentPackage returns the closest package that is an ancestor of the given one.
func (s *Summary) ParentPackage(pkg string) (string, bool) {
	return s.Packages().Parent(pkg)
}

// RulesInPackages returns the labels of all rules in any of the given packages.
func (s *Summary) RulesInPackages(packages ...string) core.LabelSet {
	want := NewPackageSet(packages...)
	ret := core.NewLabelSet()
	for label := range s.Rules {
		if want.Contains(label.PackageName) {
			ret.Add(label)
		}
	}
	return ret
}

// ReverseSubincludes returns a map of workspace-relative path of each loaded .bzl file to
// the paths of the BUILD files that load it.
func (s *Summary) ReverseSubincludes() map[string][]string {
	ret := map[string][]string{}
	for _, sf := range s.SourceFiles {
		if len(sf.Subincludes) == 0 {
			continue
		}
		loc, err := core.ParseLocation(sf.Location, "")
		if err != nil {
			log.Debug("Ignoring subincludes of %s: %s", sf.Label, err)
			continue
		}
		for _, inc := range sf.Subincludes {
			if inc.IsExternal() {
				continue
			}
			ret[inc.Path()] = append(ret[inc.Path()], loc.File)
		}
	}
	return ret
}

// ApplyDelta returns a new summary with the results of a partial query merged in.
// Everything belonging to a deleted or re-queried package is removed from this summary,
// as is anything in a package the partial query returned; the partial results are then
// added in their place. The receiver is not modified.
func (s *Summary) ApplyDelta(partial *Summary, requeried, deleted []string) *Summary {
	replaced := NewPackageSet(requeried...)
	for _, pkg := range deleted {
		replaced.Add(pkg)
	}
	for pkg := range partial.Packages() {
		replaced.Add(pkg)
	}
	for label := range partial.SourceFiles {
		replaced.Add(label.PackageName)
	}
	ret := NewSummary()
	for label, sf := range s.SourceFiles {
		if !replaced.Contains(label.PackageName) {
			ret.SourceFiles[label] = sf
		}
	}
	for label, rule := range s.Rules {
		if !replaced.Contains(label.PackageName) {
			ret.Rules[label] = rule
		}
	}
	for label, sf := range partial.SourceFiles {
		ret.SourceFiles[label] = sf
	}
	for label, rule := range partial.Rules {
		ret.Rules[label] = rule
	}
	log.Debug("Applied delta of %d targets over %d packages; %d -> %d targets", partial.Len(), len(replaced), s.Len(), ret.Len())
	return ret
}

// Records returns a stream of everything in this summary, in a deterministic order
// (all source files then all rules, each sorted by label).
func (s *Summary) Records() Stream {
	records := make([]Record, 0, s.Len())
	sourceFiles := make([]core.Label, 0, len(s.SourceFiles))
	for label := range s.SourceFiles {
		sourceFiles = append(sourceFiles, label)
	}
	core.SortLabels(sourceFiles)
	for _, label := range sourceFiles {
		records = append(records, Record{SourceFile: s.SourceFiles[label]})
	}
	rules := make([]core.Label, 0, len(s.Rules))
	for label := range s.Rules {
		rules = append(rules, label)
	}
	core.SortLabels(rules)
	for _, label := range rules {
		records = append(records, Record{Rule: s.Rules[label]})
	}
	return NewSliceStream(records...)
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d source files and %d rules in %d packages", len(s.SourceFiles), len(s.Rules), len(s.Packages()))
}
