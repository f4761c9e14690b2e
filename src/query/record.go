// Package query contains the data model for the results of a build-tool query over the
// workspace, and the logic for deciding which parts of it need re-querying after changes.
package query

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/core"
)

var log = logging.MustGetLogger("query")

// A Rule is a rule target returned by a query.
type Rule struct {
	Label       core.Label
	Class       string
	Sources     []core.Label
	Deps        []core.Label
	RuntimeDeps []core.Label
	IdlSources  []core.Label
}

// A SourceFile is a source file target returned by a query.
type SourceFile struct {
	Label core.Label
	// Location is the file's location as reported by the build tool, i.e. path:row:column.
	Location string
	// Subincludes are the .bzl files loaded by this file, if it's a BUILD file.
	Subincludes []core.Label
}

// A Record is a single target from a query. Exactly one of its fields is set.
type Record struct {
	Rule       *Rule
	SourceFile *SourceFile
}

func (r Record) String() string {
	if r.Rule != nil {
		return fmt.Sprintf("rule %s (%s)", r.Rule.Label, r.Rule.Class)
	} else if r.SourceFile != nil {
		return fmt.Sprintf("source file %s", r.SourceFile.Label)
	}
	return "empty record"
}

// A Stream is a sequence of records from a query.
type Stream interface {
	// Next returns the next record. It returns io.EOF once the stream is exhausted.
	Next() (Record, error)
}

// A Runner runs queries against the workspace.
type Runner interface {
	// RunQuery runs the given query. The returned stream may fail part way through
	// if the query itself does.
	RunQuery(ctx context.Context, spec Spec) (Stream, error)
}

type sliceStream struct {
	records []Record
}

// NewSliceStream returns a stream that yields the given records.
func NewSliceStream(records ...Record) Stream {
	return &sliceStream{records: records}
}

func (s *sliceStream) Next() (Record, error) {
	if len(s.records) == 0 {
		return Record{}, io.EOF
	}
	r := s.records[0]
	s.records = s.records[1:]
	return r, nil
}

// ReadAll reads all remaining records from the given stream.
func ReadAll(s Stream) ([]Record, error) {
	records := []Record{}
	for {
		r, err := s.Next()
		if err == io.EOF {
			return records, nil
		} else if err != nil {
			return records, err
		}
		records = append(records, r)
	}
}

// A Spec describes a query over a set of directories or packages.
type Spec struct {
	// Includes are patterns whose targets are included, e.g. //java/com/foo/...
	Includes []string
	// Excludes are patterns whose targets are subtracted from the includes.
	Excludes []string
}

// FullSpec returns the spec for querying everything in the given project.
func FullSpec(def core.ProjectDefinition) Spec {
	spec := Spec{}
	for _, inc := range def.Includes {
		spec.Includes = append(spec.Includes, core.RecursivePattern(inc))
	}
	for _, exc := range def.Excludes {
		spec.Excludes = append(spec.Excludes, core.RecursivePattern(exc))
	}
	return spec
}

// PackagesSpec returns the spec for querying exactly the given packages.
func PackagesSpec(packages []string) Spec {
	spec := Spec{}
	for _, pkg := range packages {
		spec.Includes = append(spec.Includes, core.PackagePattern(pkg))
	}
	return spec
}

// Expression returns the query expression for this spec, for example
// (//java/com/foo/...:* + //javatests/com/foo/...:* - //java/com/foo/excluded/...:*)
func (s Spec) Expression() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, inc := range s.Includes {
		if i > 0 {
			sb.WriteString(" + ")
		}
		sb.WriteString(inc)
		sb.WriteString(":*")
	}
	for _, exc := range s.Excludes {
		sb.WriteString(" - ")
		sb.WriteString(exc)
		sb.WriteString(":*")
	}
	sb.WriteByte(')')
	return sb.String()
}

// IsEmpty returns true if this spec wouldn't match anything.
func (s Spec) IsEmpty() bool {
	return len(s.Includes) == 0
}
