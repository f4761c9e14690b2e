// Utilities for reading the qsync config files.

package core

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/please-build/gcfg"

	"github.com/thought-machine/querysync/src/cli"
)

// ConfigFileName is the file name for the typical repo config - this is normally checked in.
const ConfigFileName = ".qsyncconfig"

// LocalConfigFileName is the file name for the local repo config - this is not normally checked
// in and used to override settings on the local machine.
const LocalConfigFileName = ".qsyncconfig.local"

// StateDirName is the directory beneath the workspace root that we keep our state in by default.
const StateDirName = ".qsync"

// Rule kinds that are always built, whether or not they are included in the project.
var defaultAlwaysBuildKinds = []string{"java_proto_library", "java_lite_proto_library", "java_mutable_proto_library"}

// Rule kinds whose sources we analyse.
var defaultJavaKinds = []string{"java_library", "java_binary", "kt_jvm_library_helper", "java_test"}
var defaultAndroidKinds = []string{"android_library", "android_binary", "android_local_test", "android_instrumentation_test", "kt_android_library_helper"}

// A Configuration contains all the settings that can be configured about qsync.
// This is parsed from .qsyncconfig etc; we use git-config style files for it.
type Configuration struct {
	Project struct {
		Include []string `help:"Workspace-relative directories that make up the project. Defaults to the whole workspace."`
		Exclude []string `help:"Directories beneath the included ones that should be left out of the project."`
	} `help:"The [project] section defines which parts of the workspace are part of the project."`
	Sync struct {
		BuildableKind   []string     `help:"Rule kinds whose sources are analysed. Defaults to the Java & Android library, binary and test kinds."`
		AndroidKind     []string     `help:"The subset of buildable kinds that are Android rules."`
		AlwaysBuildKind []string     `help:"Rule kinds that are always treated as external and built, even when they are inside the project."`
		VcsTimeout      cli.Duration `help:"Maximum time to wait for the VCS state to be determined before giving up and performing a full query next time."`
		Parallelism     int          `help:"Number of artifacts to ingest into the cache concurrently."`
		WorkspaceRoot   string       `help:"Root of the workspace. Defaults to the directory containing the config file."`
	} `help:"The [sync] section controls how the query output is turned into a build graph."`
	Cache struct {
		Dir     string       `help:"Directory to keep the artifact cache in. Defaults to .qsync/cache beneath the workspace root."`
		MaxSize cli.ByteSize `help:"Size above which we warn that the cache should be cleaned. Accepts human-readable sizes like 20G."`
	} `help:"The [cache] section controls the local artifact cache."`
	Bazel struct {
		Binary            string       `help:"The bazel binary to invoke."`
		QueryFlags        string       `help:"Extra flags passed to bazel query, split as a shell would."`
		BuildFlags        string       `help:"Extra flags passed to bazel build, split as a shell would."`
		JavaBuildFlags    string       `help:"Extra flags passed to bazel build when building dependencies of Java targets."`
		KotlinBuildFlags  string       `help:"Extra flags passed to bazel build when building dependencies of Kotlin targets."`
		AndroidBuildFlags string       `help:"Extra flags passed to bazel build when building dependencies of Android targets."`
		MinVersion        string       `help:"Minimum version of bazel that we can work with."`
		Timeout           cli.Duration `help:"Timeout for a single query or build invocation."`
		OutputBase        string       `help:"Directory bazel writes its outputs under; build output paths are resolved against it."`
	} `help:"The [bazel] section controls how the build tool is invoked."`
	Metrics struct {
		PushGatewayURL cli.URL      `help:"URL of a Prometheus pushgateway to send metrics to after each command."`
		PushTimeout    cli.Duration `help:"Timeout for pushing metrics."`
	} `help:"The [metrics] section configures optional metrics reporting."`
}

// DefaultConfiguration returns the default configuration.
func DefaultConfiguration() *Configuration {
	config := Configuration{}
	config.Sync.VcsTimeout = cli.Duration(30 * time.Second)
	config.Sync.Parallelism = runtime.NumCPU() + 2
	config.Bazel.Binary = "bazel"
	config.Bazel.MinVersion = "6.0.0"
	config.Bazel.Timeout = cli.Duration(30 * time.Minute)
	config.Cache.MaxSize = 20 * 1000 * 1000 * 1000
	config.Metrics.PushTimeout = cli.Duration(2 * time.Second)
	return &config
}

// ReadConfigFiles reads all the config files in order & returns the resulting configuration.
// Missing files are not an error.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	// Set default values for slices. These add rather than overwriting so we can't set
	// them upfront as we would with other config values.
	setDefault(&config.Sync.AndroidKind, defaultAndroidKinds)
	setDefault(&config.Sync.BuildableKind, append(append([]string{}, defaultJavaKinds...), defaultAndroidKinds...))
	setDefault(&config.Sync.AlwaysBuildKind, defaultAlwaysBuildKinds)
	setDefault(&config.Project.Include, []string{""})

	if config.Sync.WorkspaceRoot == "" && len(filenames) > 0 {
		config.Sync.WorkspaceRoot = filepath.Dir(filenames[0])
	}
	if config.Cache.Dir == "" {
		config.Cache.Dir = filepath.Join(config.Sync.WorkspaceRoot, StateDirName, "cache")
	}
	if config.Sync.Parallelism <= 0 {
		return config, fmt.Errorf("sync.parallelism must be positive, was %d", config.Sync.Parallelism)
	}
	return config, nil
}

func readConfigFile(config *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil // It's not an error to not have the file at all.
	} else if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	log.Debug("Read config from %s", filename)
	return nil
}

func setDefault(conf *[]string, def []string) {
	if len(*conf) == 0 {
		*conf = def
	}
}

// ConfigFiles returns the config files to read for a workspace root, in order of precedence.
func ConfigFiles(workspaceRoot string) []string {
	return []string{
		filepath.Join(workspaceRoot, ConfigFileName),
		filepath.Join(workspaceRoot, LocalConfigFileName),
	}
}

// ProjectDefinition returns the project definition described by this config.
func (config *Configuration) ProjectDefinition() ProjectDefinition {
	return NewProjectDefinition(config.Project.Include, config.Project.Exclude)
}

// StateDir returns the directory we store persisted state in.
func (config *Configuration) StateDir() string {
	return filepath.Join(config.Sync.WorkspaceRoot, StateDirName)
}
