// Package process implements generic subprocess management functions.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/cli"
)

var log = logging.MustGetLogger("process")

// killGracePeriod is how long a process gets between SIGTERM and SIGKILL.
const killGracePeriod = 2 * time.Second

// An Executor handles starting, running and monitoring a set of subprocesses.
// It registers as a signal handler to attempt to terminate them all at process exit.
type Executor struct {
	processes map[*exec.Cmd]struct{}
	mutex     sync.Mutex
}

// New returns a new Executor.
func New() *Executor {
	o := &Executor{
		processes: map[*exec.Cmd]struct{}{},
	}
	cli.AtExit(o.killAll) // Kill any subprocess if we are ourselves killed
	return o
}

// An ExitError is returned when a subprocess exits unsuccessfully.
type ExitError struct {
	Argv   []string
	Code   int
	Stderr []byte
	Err    error
}

func (e *ExitError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("%s exited with code %d", e.Argv[0], e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Argv[0], e.Code, bytes.TrimSpace(e.Stderr))
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// A Process is a started subprocess whose stdout is read through Stdout.
// Wait must be called once all of Stdout has been consumed.
type Process struct {
	Stdout io.ReadCloser

	argv   []string
	cmd    *exec.Cmd
	e      *Executor
	ctx    context.Context
	stderr safeBuffer
	done   chan struct{}
}

// Start starts the given command in dir. It is killed if ctx is cancelled before it exits.
// Anything written to stderr is also copied to any extra writers given.
func (e *Executor) Start(ctx context.Context, dir string, env []string, argv []string, stderr ...io.Writer) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	cmd := e.ExecCommand(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	p := &Process{argv: argv, cmd: cmd, e: e, ctx: ctx, done: make(chan struct{})}
	cmd.Stderr = &p.stderr
	if len(stderr) > 0 {
		cmd.Stderr = io.MultiWriter(append([]io.Writer{&p.stderr}, stderr...)...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.removeProcess(cmd)
		return nil, err
	}
	p.Stdout = stdout
	log.Debug("Running %s", shellescape.QuoteCommand(argv))
	if err := cmd.Start(); err != nil {
		e.removeProcess(cmd)
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	go p.watch()
	return p, nil
}

func (p *Process) watch() {
	select {
	case <-p.done:
	case <-p.ctx.Done():
		log.Debug("Terminating %s: %s", p.argv[0], p.ctx.Err())
		p.e.KillProcess(p.cmd)
	}
}

// Wait waits for the process to exit. If the context was cancelled its error is returned.
func (p *Process) Wait() error {
	err := p.cmd.Wait()
	close(p.done)
	p.e.removeProcess(p.cmd)
	if ctxErr := p.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		exitErr := &ExitError{Argv: p.argv, Code: -1, Stderr: p.stderr.Bytes(), Err: err}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitErr.Code = ee.ExitCode()
		}
		return exitErr
	}
	return nil
}

// Stderr returns everything the process has written to stderr so far.
func (p *Process) Stderr() []byte {
	return p.stderr.Bytes()
}

// ExecWithTimeout runs an external command with a timeout.
// If the command times out the returned error will be a context.DeadlineExceeded error.
// It returns the stdout, the stderr and any error that occurred.
func (e *Executor) ExecWithTimeout(ctx context.Context, dir string, env []string, timeout time.Duration, argv []string) ([]byte, []byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	p, err := e.Start(ctx, dir, env, argv)
	if err != nil {
		return nil, nil, err
	}
	out, readErr := io.ReadAll(p.Stdout)
	err = p.Wait()
	if err == nil && readErr != nil {
		err = readErr
	}
	return out, p.Stderr(), err
}

// ExecCommand creates a command in its own process group and registers it with this executor.
// It isn't started; Start is the usual way to run something.
func (e *Executor) ExecCommand(command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = sysProcAttr()
	e.registerProcess(cmd)
	return cmd
}

// KillProcess kills a process, attempting to send it a SIGTERM first followed by a SIGKILL
// shortly after if it hasn't exited.
func (e *Executor) KillProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		log.Debug("Failed to send SIGTERM to %d: %s", cmd.Process.Pid, err)
	}
	time.AfterFunc(killGracePeriod, func() {
		if e.isRunning(cmd) {
			log.Warning("Process %d did not exit after SIGTERM, sending SIGKILL", cmd.Process.Pid)
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	})
}

func (e *Executor) registerProcess(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.processes[cmd] = struct{}{}
}

func (e *Executor) removeProcess(cmd *exec.Cmd) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.processes, cmd)
}

func (e *Executor) isRunning(cmd *exec.Cmd) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	_, present := e.processes[cmd]
	return present
}

// killAll kills all subprocesses of this executor.
func (e *Executor) killAll() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for proc := range e.processes {
		if proc.Process != nil {
			syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		}
		delete(e.processes, proc)
	}
}

// safeBuffer is an io.Writer that ensures that only one thread writes to it at a time.
type safeBuffer struct {
	buf   bytes.Buffer
	mutex sync.Mutex
}

func (sb *safeBuffer) Write(b []byte) (int, error) {
	sb.mutex.Lock()
	defer sb.mutex.Unlock()
	return sb.buf.Write(b)
}

func (sb *safeBuffer) Bytes() []byte {
	sb.mutex.Lock()
	defer sb.mutex.Unlock()
	return append([]byte(nil), sb.buf.Bytes()...)
}
