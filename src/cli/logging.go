// Contains various utility functions related to logging.

package cli

import (
	"os"
	"path/filepath"
	"sync"

	clilogging "github.com/peterebden/go-cli-init/v5/logging"
	"golang.org/x/term"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("cli")

// StdErrIsATerminal is true if the process' stderr is an interactive TTY.
var StdErrIsATerminal = IsATerminal(os.Stderr)

// A Verbosity is used as a flag to define logging verbosity.
type Verbosity = clilogging.Verbosity

var backendMutex sync.Mutex
var fileBackend logging.Backend
var logLevel = logging.WARNING
var fileLogLevel = logging.WARNING

// InitLogging initialises logging backends.
func InitLogging(verbosity Verbosity) {
	backendMutex.Lock()
	defer backendMutex.Unlock()
	logLevel = logging.Level(verbosity)
	setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
}

// InitFileLogging initialises an optional logging backend to a file.
// The returned function closes the file; it should be deferred by the caller.
func InitFileLogging(logFile string, logFileLevel Verbosity) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(logFile), os.ModeDir|0775); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, err
	}
	backendMutex.Lock()
	defer backendMutex.Unlock()
	fileLogLevel = logging.Level(logFileLevel)
	fileBackend = logging.NewBackendFormatter(logging.NewLogBackend(file, "", 0), logFormatter(false))
	setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
	return func() {
		backendMutex.Lock()
		defer backendMutex.Unlock()
		fileBackend = nil
		setLogBackend(logging.NewLogBackend(os.Stderr, "", 0))
		file.Close()
	}, nil
}

func logFormatter(coloured bool) logging.Formatter {
	formatStr := "%{time:15:04:05.000} %{level:7s}: %{message}"
	if coloured {
		formatStr = "%{color}" + formatStr + "%{color:reset}"
	}
	return logging.MustStringFormatter(formatStr)
}

func setLogBackend(backend logging.Backend) {
	stderr := logging.AddModuleLevel(logging.NewBackendFormatter(backend, logFormatter(StdErrIsATerminal)))
	stderr.SetLevel(logLevel, "")
	if fileBackend == nil {
		logging.SetBackend(stderr)
		return
	}
	file := logging.AddModuleLevel(fileBackend)
	file.SetLevel(fileLogLevel, "")
	logging.SetBackend(stderr, file)
}

// IsATerminal returns true if the given file is an interactive TTY.
func IsATerminal(file *os.File) bool {
	return term.IsTerminal(int(file.Fd()))
}
