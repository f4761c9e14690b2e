package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecWithTimeout(t *testing.T) {
	out, _, err := New().ExecWithTimeout(context.Background(), "", nil, 10*time.Second, []string{"true"})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(out))
}

func TestExecWithTimeoutFailure(t *testing.T) {
	out, _, err := New().ExecWithTimeout(context.Background(), "", nil, 10*time.Second, []string{"false"})
	assert.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, 0, len(out))
}

func TestExecWithTimeoutDeadline(t *testing.T) {
	out, _, err := New().ExecWithTimeout(context.Background(), "", nil, 1*time.Nanosecond, []string{"sleep", "10"})
	assert.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 0, len(out))
}

func TestExecWithTimeoutOutput(t *testing.T) {
	out, stderr, err := New().ExecWithTimeout(context.Background(), "", nil, 10*time.Second, []string{"sh", "-c", "echo hello; echo world 1>&2"})
	assert.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	assert.Equal(t, "world\n", string(stderr))
}

func TestExecCancelled(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	p, err := e.Start(ctx, "", nil, []string{"sleep", "infinity"})
	require.NoError(t, err)
	cancel()
	io.ReadAll(p.Stdout)
	assert.Equal(t, context.Canceled, p.Wait())
	assert.Equal(t, 0, len(e.processes))
}

func TestKillSubprocesses(t *testing.T) {
	e := New()
	cmd := e.ExecCommand("sleep", "infinity")
	assert.Equal(t, 1, len(e.processes))
	err := cmd.Start()
	assert.NoError(t, err)
	e.killAll()
	err = cmd.Wait()
	assert.Error(t, err)
	assert.Equal(t, 0, len(e.processes))
}

func TestStartCopiesStderr(t *testing.T) {
	var progress [][2]int
	w := NewProgressWriter(func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})
	p, err := New().Start(context.Background(), "", nil, []string{"sh", "-c", "echo '[1 / 3] Compiling' >&2; echo '[3 / 3] Linking' >&2; echo out"}, w)
	require.NoError(t, err)
	out, err := io.ReadAll(p.Stdout)
	require.NoError(t, err)
	assert.NoError(t, p.Wait())
	assert.Equal(t, "out\n", string(out))
	assert.Contains(t, string(p.Stderr()), "Linking")
	require.NotEmpty(t, progress)
	assert.Equal(t, [2]int{3, 3}, progress[len(progress)-1])
}
