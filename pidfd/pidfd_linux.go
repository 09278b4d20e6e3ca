package pidfd

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/procwait/pid"
)

// esrch is the errno a pidfd_open/waitid call returns for "no such process".
var esrch = unix.ESRCH

func unixPidfdOpen(p pid.Pid) (int, error) {
	return unix.PidfdOpen(p.Int(), unix.PIDFD_NONBLOCK)
}

// wait parks the calling goroutine in a blocking SyscallConn.Read callback
// until the pidfd polls readable, which the kernel reports once the process
// has exited, or ctx is done. Polling only observes the exit: the process
// need not be a child of the caller, and this package never reaps it.
//
// Cancellation works by forcing an already-expired read deadline on the
// socket from a side goroutine the instant ctx is done, which unblocks the
// read callback without a second fd — the same trick mdlayher/pidfd uses.
func (f *File) wait(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Wait()

	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = f.c.SetReadDeadline(time.Unix(0, 1))
	}()

	var werr error
	probe := func(fd uintptr) bool {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		if err != nil && err != unix.EINTR {
			werr = err
		}
		return werr != nil || n > 0
	}
	rerr := f.rc.Read(probe)

	cerr := ctx.Err()
	cancel()
	wg.Wait()

	if serr := f.c.SetReadDeadline(time.Time{}); serr != nil && cerr == nil {
		return serr
	}

	// Read returns nil only once probe has seen the pidfd readable or failed.
	// The forced deadline can stop Read before probe ever runs, so probe once
	// more directly before reporting a timeout.
	if rerr == nil {
		return f.wrap(werr)
	}
	var ready bool
	_ = f.rc.Control(func(fd uintptr) { ready = probe(fd) })
	if ready {
		return f.wrap(werr)
	}

	for _, err := range []error{cerr, rerr, werr} {
		if err != nil {
			return f.wrap(err)
		}
	}

	return nil
}

func (f *File) wrap(err error) error {
	if err == nil {
		return nil
	}

	var fd int
	_ = f.rc.Control(func(cfd uintptr) { fd = int(cfd) })

	return &Error{PID: f.p.Int(), FD: fd, Err: err}
}
