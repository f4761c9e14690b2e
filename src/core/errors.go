package core

import (
	"fmt"
	"strings"
)

// A ParseError is returned when the output of a query can't be understood.
// No snapshot is ever produced from a stream that fails to parse.
type ParseError struct {
	Input  string
	Reason string
	Err    error
}

func (err *ParseError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("failed to parse %s: %s: %s", err.Input, err.Reason, err.Err)
	}
	return fmt.Sprintf("failed to parse %s: %s", err.Input, err.Reason)
}

func (err *ParseError) Unwrap() error {
	return err.Err
}

// A QueryError is returned when the query tool itself fails.
type QueryError struct {
	Query    string
	ExitCode int
	Err      error
}

func (err *QueryError) Error() string {
	if err.ExitCode != 0 {
		return fmt.Sprintf("query %s failed with exit code %d: %s", err.Query, err.ExitCode, err.Err)
	}
	return fmt.Sprintf("query %s failed: %s", err.Query, err.Err)
}

func (err *QueryError) Unwrap() error {
	return err.Err
}

// A NoOutputsBuiltError is returned when a build produces nothing we can use.
// The episode is not retried and the cache is left untouched.
type NoOutputsBuiltError struct {
	Targets  []Label
	ExitCode int
}

func (err *NoOutputsBuiltError) Error() string {
	return fmt.Sprintf("build of %d targets produced no usable outputs (exit code %d); please fix any build errors and retry", len(err.Targets), err.ExitCode)
}

// A StructuralError indicates the build graph violates one of its preconditions, for example
// by containing a dependency cycle. It indicates a bug rather than something to recover from.
type StructuralError struct {
	Reason string
	Cycle  []Label
}

func (err *StructuralError) Error() string {
	if len(err.Cycle) == 0 {
		return "invalid build graph: " + err.Reason
	}
	strs := make([]string, len(err.Cycle))
	for i, l := range err.Cycle {
		strs[i] = l.String()
	}
	return fmt.Sprintf("invalid build graph: %s: %s", err.Reason, strings.Join(strs, "\n -> "))
}
