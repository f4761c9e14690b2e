// Package bazel implements running queries and builds using Bazel.
package bazel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/shlex"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/process"
)

var log = logging.MustGetLogger("bazel")

// An invoker holds what's needed to run any Bazel command.
type invoker struct {
	executor      *process.Executor
	binary        string
	workspaceRoot string
	timeout       time.Duration
}

func newInvoker(config *core.Configuration, executor *process.Executor) invoker {
	return invoker{
		executor:      executor,
		binary:        config.Bazel.Binary,
		workspaceRoot: config.Sync.WorkspaceRoot,
		timeout:       time.Duration(config.Bazel.Timeout),
	}
}

// argv returns the full command line for a Bazel command.
func (i invoker) argv(command string, flags []string, args ...string) []string {
	ret := make([]string, 0, len(flags)+len(args)+2)
	ret = append(ret, i.binary, command)
	ret = append(ret, flags...)
	return append(ret, args...)
}

// splitFlags splits a configured set of flags as a shell would.
func splitFlags(flags string) ([]string, error) {
	split, err := shlex.Split(flags)
	if err != nil {
		return nil, fmt.Errorf("invalid bazel flags %q: %w", flags, err)
	}
	return split, nil
}

// CheckVersion checks that the configured Bazel is at least the minimum version we support.
// Development builds which don't report a version are let through with a warning.
func CheckVersion(ctx context.Context, config *core.Configuration, executor *process.Executor) error {
	if config.Bazel.MinVersion == "" {
		return nil
	}
	min, err := semver.NewVersion(config.Bazel.MinVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum bazel version %s: %w", config.Bazel.MinVersion, err)
	}
	i := newInvoker(config, executor)
	stdout, _, err := executor.ExecWithTimeout(ctx, i.workspaceRoot, nil, 30*time.Second, []string{i.binary, "--version"})
	if err != nil {
		return fmt.Errorf("failed to determine bazel version: %w", err)
	}
	return checkVersion(string(stdout), min)
}

func checkVersion(output string, min *semver.Version) error {
	fields := strings.Fields(output)
	if len(fields) < 2 {
		log.Warning("Can't determine bazel version from %q, assuming it's OK", output)
		return nil
	}
	v, err := semver.NewVersion(fields[len(fields)-1])
	if err != nil {
		log.Warning("Can't determine bazel version from %q, assuming it's OK", output)
		return nil
	} else if v.LessThan(min) {
		return fmt.Errorf("bazel version %s is too old; at least %s is required", v, min)
	}
	log.Debug("Bazel version %s", v)
	return nil
}
