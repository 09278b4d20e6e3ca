package pidfd_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canonical/procwait/pid"
	"github.com/canonical/procwait/pidfd"
)

func mustPid(t *testing.T, raw int32) pid.Pid {
	t.Helper()
	p, err := pid.FromRaw(raw)
	require.NoError(t, err)

	return p
}

func openTestFile(t *testing.T, p pid.Pid) *pidfd.File {
	t.Helper()

	f, err := pidfd.Open(p)
	if err != nil {
		t.Skipf("pidfd unavailable in this environment: %v", err)
	}

	t.Cleanup(func() { _ = f.Close() })

	return f
}

func TestFileWaitHappyPath(t *testing.T) {
	cmd := exec.Command("sleep", "0.1")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	f := openTestFile(t, mustPid(t, int32(cmd.Process.Pid)))

	require.NoError(t, f.Wait(2*time.Second))
}

func TestFileWaitTimeout(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	f := openTestFile(t, mustPid(t, int32(cmd.Process.Pid)))

	err := f.Wait(50 * time.Millisecond)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFileWaitZeroTimeoutNotExited(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	f := openTestFile(t, mustPid(t, int32(cmd.Process.Pid)))

	err := f.Wait(0)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	exited, err := f.IsExited()
	require.NoError(t, err)
	require.False(t, exited)
}

func TestFileIsExitedIdempotent(t *testing.T) {
	cmd := exec.Command("sleep", "0.1")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	f := openTestFile(t, mustPid(t, int32(cmd.Process.Pid)))

	require.NoError(t, f.Wait(2*time.Second))

	exited, err := f.IsExited()
	require.NoError(t, err)
	require.True(t, exited)

	// A second call must be a pure latch read: no further syscall, same
	// answer.
	exited, err = f.IsExited()
	require.NoError(t, err)
	require.True(t, exited)
}

func TestOpenNoSuchProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	_, err := pidfd.Open(mustPid(t, int32(cmd.Process.Pid)))
	require.Error(t, err)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAsyncFileWaitContextCancel(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	f := openTestFile(t, mustPid(t, int32(cmd.Process.Pid)))
	af := pidfd.NewAsync(f)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := af.Wait(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
