package bazel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/peterebden/go-deferred-regex"

	"github.com/thought-machine/querysync/src/artifacts"
	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/fs"
	"github.com/thought-machine/querysync/src/process"
)

// cqueryExpr prints one line per output file of each target, as "label path".
const cqueryExpr = `"\n".join([str(target.label) + " " + f.path for f in target.files.to_list()])`

// Bazel's exit codes for a successful build and one where some targets failed.
const (
	exitSuccess     = 0
	exitBuildFailed = 1
)

// errorRegex picks out labels from the error lines Bazel writes to stderr.
var errorRegex = deferredregex.DeferredRegex{Re: `(?m)^ERROR: .*?((?:@[\w.~-]*)?//[\w./+-]*:[^\s:]+)`}

// A Builder builds targets using bazel build.
type Builder struct {
	invoker
	flags         []string
	languageFlags map[artifacts.Language][]string
	outputBase    string
}

// NewBuilder creates a new Builder.
func NewBuilder(config *core.Configuration, executor *process.Executor) (*Builder, error) {
	flags, err := splitFlags(config.Bazel.BuildFlags)
	if err != nil {
		return nil, err
	}
	languageFlags := map[artifacts.Language][]string{}
	for lang, f := range map[artifacts.Language]string{
		artifacts.Java:    config.Bazel.JavaBuildFlags,
		artifacts.Kotlin:  config.Bazel.KotlinBuildFlags,
		artifacts.Android: config.Bazel.AndroidBuildFlags,
	} {
		if languageFlags[lang], err = splitFlags(f); err != nil {
			return nil, err
		}
	}
	return &Builder{invoker: newInvoker(config, executor), flags: flags, languageFlags: languageFlags, outputBase: config.Bazel.OutputBase}, nil
}

// buildFlags returns the flags to build with for the given languages.
// The same ones are used for the cquery so that it sees the same configuration.
func (b *Builder) buildFlags(languages []artifacts.Language) []string {
	flags := append([]string{}, b.flags...)
	for _, lang := range languages {
		flags = append(flags, b.languageFlags[lang]...)
	}
	return append(flags, "--keep_going")
}

// Build implements the artifacts.Builder interface.
// It builds everything it can; targets that fail are reported in the returned OutputInfo.
func (b *Builder) Build(ctx context.Context, targets core.LabelSet, languages []artifacts.Language) (*artifacts.OutputInfo, error) {
	info := artifacts.NewOutputInfo()
	if len(targets) == 0 {
		return info, nil
	}
	log.Info("Building %d targets for %s (episode %s)", len(targets), joinLanguages(languages), info.EpisodeID)
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	labels := labelStrings(targets)
	progress := process.NewProgressWriter(func(done, total int) {
		log.Notice("Building [%d / %d]", done, total)
	})
	flags := b.buildFlags(languages)
	p, err := b.executor.Start(ctx, b.workspaceRoot, nil, b.argv("build", flags, labels...), progress)
	if err != nil {
		return nil, err
	}
	// Bazel doesn't write anything useful to stdout during a build.
	io.Copy(io.Discard, p.Stdout)
	if err := p.Wait(); err != nil {
		var exitErr *process.ExitError
		if !errors.As(err, &exitErr) || exitErr.Code != exitBuildFailed {
			return nil, err
		}
		info.ExitCode = exitErr.Code
		for _, label := range failedTargets(exitErr.Stderr) {
			if targets.Contains(label) {
				info.TargetsWithErrors.Add(label)
			}
		}
		log.Warning("Build completed with errors in %d targets", len(info.TargetsWithErrors))
	}
	execRoot, err := b.executionRoot(ctx)
	if err != nil {
		return nil, err
	}
	cqueryFlags := append(flags, "--output=starlark", "--starlark:expr="+cqueryExpr)
	stdout, stderr, err := b.executor.ExecWithTimeout(ctx, b.workspaceRoot, nil, 0, b.argv("cquery", cqueryFlags, strings.Join(labels, " + ")))
	if err != nil {
		var exitErr *process.ExitError
		if !errors.As(err, &exitErr) || exitErr.Code != exitBuildFailed {
			return nil, fmt.Errorf("failed to determine build outputs: %w", err)
		}
		log.Debug("cquery reported errors:\n%s", stderr)
	}
	outputs, err := parseOutputs(stdout)
	if err != nil {
		return nil, err
	}
	var size uint64
	for _, out := range outputs {
		path := resolveOutput(execRoot, out.Path)
		if !fs.FileExists(path) {
			if !info.TargetsWithErrors.Contains(out.Label) {
				log.Warning("Output %s of %s doesn't exist", out.Path, out.Label)
			}
			info.TargetsWithErrors.Add(out.Label)
			continue
		}
		size += fs.FileSize(path)
		classify(info, artifacts.Artifact{Label: out.Label, Path: path})
	}
	log.Info("Build produced %d outputs (%s) in %s", info.Len(), humanize.Bytes(size), time.Since(info.StartTime).Round(time.Millisecond))
	return info, nil
}

// executionRoot returns the directory that output paths are relative to.
func (b *Builder) executionRoot(ctx context.Context) (string, error) {
	argv := []string{b.binary}
	if b.outputBase != "" {
		argv = append(argv, "--output_base="+b.outputBase)
	}
	stdout, _, err := b.executor.ExecWithTimeout(ctx, b.workspaceRoot, nil, time.Minute, append(argv, "info", "execution_root"))
	if err != nil {
		return "", fmt.Errorf("failed to determine bazel execution root: %w", err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// An output is a single line of the cquery output.
type output struct {
	Label core.Label
	Path  string
}

// parseOutputs parses the output of the cquery expression above.
func parseOutputs(b []byte) ([]output, error) {
	var ret []output
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		label, path, found := strings.Cut(line, " ")
		if !found {
			return nil, &core.ParseError{Input: "cquery output", Reason: fmt.Sprintf("unexpected line %q", line)}
		}
		l, err := parseLabel(canonicaliseLabel(label))
		if err != nil {
			return nil, err
		}
		ret = append(ret, output{Label: l, Path: path})
	}
	return ret, scanner.Err()
}

// canonicaliseLabel strips the repo prefixes that newer Bazels add when printing labels,
// so @@maven//:foo is @maven//:foo and @//foo:bar is //foo:bar.
func canonicaliseLabel(label string) string {
	label = strings.TrimPrefix(label, "@")
	if strings.HasPrefix(label, "@") || strings.HasPrefix(label, "//") {
		return label
	}
	return "@" + label
}

// resolveOutput returns the absolute path of an output reported relative to the execution root.
func resolveOutput(execRoot, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(execRoot, path)
}

// classify adds an artifact to the appropriate list of outputs.
func classify(info *artifacts.OutputInfo, a artifacts.Artifact) {
	switch base := filepath.Base(a.Path); {
	case strings.HasSuffix(base, ".aar"):
		info.Aars = append(info.Aars, a)
	case strings.HasSuffix(base, ".srcjar"), strings.HasSuffix(base, "-src.jar"), strings.HasSuffix(base, "-sources.jar"):
		info.GenSrcs = append(info.GenSrcs, a)
	case strings.HasSuffix(base, ".jar"):
		info.Jars = append(info.Jars, a)
	default:
		info.Other = append(info.Other, a)
	}
}

// failedTargets returns the labels mentioned in error lines of the given stderr output.
func failedTargets(stderr []byte) []core.Label {
	var ret []core.Label
	for _, match := range errorRegex.FindAllSubmatch(stderr, -1) {
		if label, err := core.TryParseLabel(canonicaliseLabel(string(match[1]))); err == nil {
			ret = append(ret, label)
		}
	}
	return ret
}

func labelStrings(targets core.LabelSet) []string {
	sorted := targets.Sorted()
	ret := make([]string, len(sorted))
	for i, l := range sorted {
		ret[i] = l.String()
	}
	return ret
}

func joinLanguages(languages []artifacts.Language) string {
	if len(languages) == 0 {
		return "no particular language"
	}
	strs := make([]string, len(languages))
	for i, l := range languages {
		strs[i] = string(l)
	}
	return strings.Join(strs, ", ")
}
