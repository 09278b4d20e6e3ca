package procconn

import (
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canonical/procwait/pid"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	b, err := NewBackend()
	if err != nil {
		t.Skipf("netlink backend unavailable in this environment: %v", err)
	}

	t.Cleanup(func() { _ = b.Close() })

	return b
}

func startSleeper(t *testing.T, d time.Duration) pid.Pid {
	t.Helper()

	// GNU sleep wants plain seconds, not Go's "100ms"-style duration text.
	cmd := exec.Command("sleep", fmt.Sprintf("%.3fs", d.Seconds()))
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	p, err := pid.FromRaw(int32(cmd.Process.Pid))
	require.NoError(t, err)

	return p
}

// TestBackendWaitpidHappyPath covers a helper that exits shortly after
// Waitpid is called.
func TestBackendWaitpidHappyPath(t *testing.T) {
	b := newTestBackend(t)
	p := startSleeper(t, 100*time.Millisecond)

	err := b.Waitpid(p, 2*time.Second)
	require.NoError(t, err)
}

// TestBackendWaitpidTimeout covers a helper that outlives the wait window.
func TestBackendWaitpidTimeout(t *testing.T) {
	b := newTestBackend(t)
	p := startSleeper(t, 10*time.Second)

	err := b.Waitpid(p, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	require.True(t, pid.Exists(p), "helper must still be alive after a timeout")
}

// TestBackendWaitpidAlreadyExited covers Waitpid on a pid that is already
// gone, which must return immediately via the eager exists probe.
func TestBackendWaitpidAlreadyExited(t *testing.T) {
	b := newTestBackend(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	p, err := pid.FromRaw(int32(cmd.Process.Pid))
	require.NoError(t, err)

	err = b.Waitpid(p, time.Second)
	require.ErrorIs(t, err, ErrNoSuchProcess)
}

// TestBackendWaitpidFanOut covers N concurrently registered waiters against
// one backend all resolving, with the registry draining back to empty
// afterwards.
func TestBackendWaitpidFanOut(t *testing.T) {
	b := newTestBackend(t)

	const n = 8
	pids := make([]pid.Pid, n)
	for i := range pids {
		pids[i] = startSleeper(t, time.Duration(100+i*80)*time.Millisecond)
	}

	errs := make(chan error, n)
	for _, p := range pids {
		p := p
		go func() { errs <- b.Waitpid(p, 3*time.Second) }()
	}

	for range pids {
		require.NoError(t, <-errs)
	}

	b.reg.mu.Lock()
	waiting := len(b.reg.waiters)
	b.reg.mu.Unlock()
	require.Equal(t, 0, waiting, "registry must drain once every waiter has resolved")
}

// TestBackendCloseResolvesPendingWaiters covers Close waking every
// outstanding waiter with ErrClosed instead of leaving them blocked forever.
func TestBackendCloseResolvesPendingWaiters(t *testing.T) {
	b, err := NewBackend()
	if err != nil {
		t.Skipf("netlink backend unavailable in this environment: %v", err)
	}

	p := startSleeper(t, 10*time.Second)

	done := make(chan error, 1)
	go func() { done <- b.Waitpid(p, time.Minute) }()

	// Give Waitpid a moment to register before tearing the backend down.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Waitpid did not resolve within 1s of Close")
	}
}
