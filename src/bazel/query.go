package bazel

import (
	"bufio"
	"context"
	"errors"
	"io"

	bpb "github.com/bazelbuild/buildtools/build_proto"
	"google.golang.org/protobuf/encoding/protodelim"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/process"
	"github.com/thought-machine/querysync/src/query"
)

// A Runner runs queries using bazel query.
type Runner struct {
	invoker
	flags []string
}

// NewRunner creates a new query runner.
func NewRunner(config *core.Configuration, executor *process.Executor) (*Runner, error) {
	flags, err := splitFlags(config.Bazel.QueryFlags)
	if err != nil {
		return nil, err
	}
	return &Runner{invoker: newInvoker(config, executor), flags: flags}, nil
}

// RunQuery runs a query and returns a stream of its results.
// The query is run with relative locations so the results don't depend on where the workspace is.
func (r *Runner) RunQuery(ctx context.Context, spec query.Spec) (query.Stream, error) {
	expr := spec.Expression()
	flags := append(append([]string{}, r.flags...), "--output=streamed_proto", "--relative_locations=true")
	var cancel context.CancelFunc = func() {}
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	p, err := r.executor.Start(ctx, r.workspaceRoot, nil, r.argv("query", flags, expr))
	if err != nil {
		cancel()
		return nil, &core.QueryError{Query: expr, Err: err}
	}
	return newStream(expr, p.Stdout, func() error {
		defer cancel()
		return p.Wait()
	}), nil
}

// A stream reads length-delimited Target messages from a running query.
type stream struct {
	query string
	r     *bufio.Reader
	out   io.Closer
	wait  func() error
	err   error
}

func newStream(query string, r io.ReadCloser, wait func() error) *stream {
	return &stream{query: query, r: bufio.NewReaderSize(r, 1<<16), out: r, wait: wait}
}

func (s *stream) Next() (query.Record, error) {
	if s.err != nil {
		return query.Record{}, s.err
	}
	for {
		target := &bpb.Target{}
		if err := protodelim.UnmarshalFrom(s.r, target); err != nil {
			s.err = s.finish(err)
			return query.Record{}, s.err
		}
		record, ok, err := toRecord(target)
		if err != nil {
			s.out.Close()
			s.wait()
			s.err = err
			return query.Record{}, err
		} else if ok {
			return record, nil
		}
	}
}

// finish waits for the process to exit once its output has been consumed.
func (s *stream) finish(readErr error) error {
	if !errors.Is(readErr, io.EOF) {
		s.out.Close()
	}
	if err := s.wait(); err != nil {
		var exitErr *process.ExitError
		if errors.As(err, &exitErr) {
			log.Error("bazel query failed:\n%s", exitErr.Stderr)
			return &core.QueryError{Query: s.query, ExitCode: exitErr.Code, Err: err}
		}
		return err
	} else if !errors.Is(readErr, io.EOF) {
		return &core.ParseError{Input: "query output", Reason: "invalid streamed proto", Err: readErr}
	}
	return io.EOF
}

// toRecord converts a target from the query output into a record.
// It returns false for targets of kinds we're not interested in.
func toRecord(target *bpb.Target) (query.Record, bool, error) {
	switch target.GetType() {
	case bpb.Target_SOURCE_FILE:
		sf := target.GetSourceFile()
		label, err := parseLabel(sf.GetName())
		if err != nil {
			return query.Record{}, false, err
		}
		subincludes, err := parseLabels(sf.GetSubinclude())
		if err != nil {
			return query.Record{}, false, err
		}
		return query.Record{SourceFile: &query.SourceFile{
			Label:       label,
			Location:    sf.GetLocation(),
			Subincludes: subincludes,
		}}, true, nil
	case bpb.Target_RULE:
		r := target.GetRule()
		label, err := parseLabel(r.GetName())
		if err != nil {
			return query.Record{}, false, err
		}
		rule := &query.Rule{Label: label, Class: r.GetRuleClass()}
		for _, attr := range r.GetAttribute() {
			var dest *[]core.Label
			values := attr.GetStringListValue()
			switch attr.GetName() {
			case "srcs":
				dest = &rule.Sources
			case "deps", "exports":
				// Not strictly right for exports, but sources of the exporting rule are
				// close enough to depending on them for our purposes.
				dest = &rule.Deps
			case "runtime_deps":
				dest = &rule.RuntimeDeps
			case "idl_srcs":
				dest = &rule.IdlSources
			case "$junit":
				// android_local_test depends on junit implicitly through this.
				dest = &rule.Deps
				values = nil
				if v := attr.GetStringValue(); v != "" {
					values = []string{v}
				}
			default:
				continue
			}
			labels, err := parseLabels(values)
			if err != nil {
				return query.Record{}, false, err
			}
			*dest = append(*dest, labels...)
		}
		return query.Record{Rule: rule}, true, nil
	}
	return query.Record{}, false, nil
}

func parseLabel(s string) (core.Label, error) {
	label, err := core.TryParseLabel(s)
	if err != nil {
		return label, &core.ParseError{Input: s, Reason: "invalid label", Err: err}
	}
	return label, nil
}

func parseLabels(strs []string) ([]core.Label, error) {
	if len(strs) == 0 {
		return nil, nil
	}
	ret := make([]core.Label, len(strs))
	for i, s := range strs {
		label, err := parseLabel(s)
		if err != nil {
			return nil, err
		}
		ret[i] = label
	}
	return ret, nil
}
