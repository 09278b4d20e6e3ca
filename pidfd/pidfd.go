// Package pidfd waits for process exit via Linux pidfds (pidfd_open(2),
// polled for readability), the path this library tries first for any
// process. See procconn for the netlink-connector fallback used when the
// kernel lacks pidfd support.
package pidfd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mdlayher/socket"

	"github.com/canonical/procwait/pid"
)

// maxPollMillis is poll(2)'s millisecond ceiling; a caller-supplied timeout
// that converts to more than this saturates rather than overflowing int32.
const maxPollMillis = math.MaxInt32

// File is a handle to a Linux pidfd. Once the process it refers to has
// exited, every subsequent Wait call returns immediately without touching
// the kernel again: exited is a monotonic latch, never reset, and is shared
// with any AsyncFile wrapping the same File.
type File struct {
	p      pid.Pid
	c      *socket.Conn
	rc     syscall.RawConn
	exited atomic.Bool
}

// Open opens a pidfd File referring to p. If the kernel has no such process,
// the returned error is a *procwait-compatible Error satisfying
// errors.Is(err, os.ErrNotExist).
func Open(p pid.Pid) (*File, error) {
	fd, err := unixPidfdOpen(p)
	if err != nil {
		return nil, &Error{PID: p.Int(), Err: err}
	}

	c, err := socket.New(fd, "pidfd")
	if err != nil {
		return nil, fmt.Errorf("pidfd: wrap fd: %w", err)
	}

	rc, err := c.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("pidfd: syscall conn: %w", err)
	}

	return &File{p: p, c: c, rc: rc}, nil
}

// Close releases the File's underlying pidfd. It does not affect the
// process p refers to.
func (f *File) Close() error { return f.c.Close() }

// Wait blocks until the process exits or the given timeout budget elapses.
// timeout < 0 blocks forever; timeout == 0 is a non-blocking probe; a
// positive timeout polls with that budget (saturating at poll(2)'s
// millisecond ceiling if it converts to a larger value). Once Wait returns
// nil, IsExited always reports true for this File and for any AsyncFile
// sharing it.
func (f *File) Wait(timeout time.Duration) error {
	if f.exited.Load() {
		return nil
	}

	ctx := context.Background()
	var cancel context.CancelFunc

	switch {
	case timeout == 0:
		var done context.CancelFunc
		ctx, done = context.WithTimeout(ctx, 0)
		cancel = done
	case timeout > 0:
		ms := timeout.Milliseconds()
		if ms > maxPollMillis {
			ms = maxPollMillis
		}
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	}

	if cancel != nil {
		defer cancel()
	}

	if err := f.wait(ctx); err != nil {
		return err
	}

	f.exited.Store(true)

	return nil
}

// IsExited reports whether the process has already exited, without
// blocking beyond a single non-blocking kernel probe.
func (f *File) IsExited() (bool, error) {
	err := f.Wait(0)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// AsyncFile is the cooperative-scheduling counterpart to File: its Wait
// variant returns as soon as ctx is canceled instead of parking the calling
// goroutine. It shares the same underlying fd and exited latch as the File
// it wraps, so a caller cannot "steal" readiness that a later File.Wait or
// AsyncFile.Wait would otherwise observe.
type AsyncFile struct {
	*File
}

// NewAsync wraps f for cooperative (context-aware) waiting.
func NewAsync(f *File) *AsyncFile { return &AsyncFile{File: f} }

// Wait blocks until the process exits or ctx is canceled.
func (f *AsyncFile) Wait(ctx context.Context) error {
	if f.exited.Load() {
		return nil
	}

	if err := f.wait(ctx); err != nil {
		return err
	}

	f.exited.Store(true)

	return nil
}

// IsExited reports whether the process has already exited, probing the
// kernel at most once and respecting ctx cancellation during that probe.
func (f *AsyncFile) IsExited(ctx context.Context) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 0)
	defer cancel()

	err := f.wait(probeCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	f.exited.Store(true)

	return true, nil
}

// Error is an error value produced by the pidfd_* family of syscalls,
// annotated with which fd and pid were involved.
type Error struct {
	FD, PID int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pidfd %d: pid %d: %v", e.FD, e.PID, e.Err)
}

// Is reports whether e represents "no such process", making Error
// compatible with errors.Is(err, os.ErrNotExist).
func (e *Error) Is(target error) bool {
	if target == os.ErrNotExist {
		return errors.Is(e.Err, esrch)
	}

	return false
}

func (e *Error) Unwrap() error { return e.Err }
