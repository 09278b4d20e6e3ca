package procwait

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/procwait/internal/xlog"
	"github.com/canonical/procwait/pid"
	"github.com/canonical/procwait/pidfd"
	"github.com/canonical/procwait/procconn"
)

func waitpid(raw int32, timeout time.Duration) error {
	p, err := pid.FromRaw(raw)
	if err != nil {
		return &Error{Kind: KindInvalidInput, Op: "waitpid", PID: int(raw), Err: err}
	}

	f, openErr := pidfd.Open(p)
	if openErr == nil {
		defer f.Close()

		if err := f.Wait(timeout); err != nil {
			return classifyPidfdError("waitpid", p, err)
		}

		return nil
	}

	kind := classifyPidfdOpenErr(openErr)
	if kind != KindUnsupported {
		return &Error{Kind: kind, Op: "waitpid", PID: p.Int(), Err: openErr}
	}

	xlog.Debug("procwait: pidfd unsupported, falling back to netlink", xlog.Ctx{"pid": p.Int()})

	backend, err := procconn.Shared()
	if err != nil {
		return &Error{Kind: KindPermissionDenied, Op: "waitpid", PID: p.Int(), Err: err}
	}

	if err := backend.Waitpid(p, timeout); err != nil {
		return classifyBackendError("waitpid", p, err)
	}

	return nil
}

func waitpidAsync(ctx context.Context, raw int32) error {
	p, err := pid.FromRaw(raw)
	if err != nil {
		return &Error{Kind: KindInvalidInput, Op: "waitpid_async", PID: int(raw), Err: err}
	}

	f, openErr := pidfd.Open(p)
	if openErr == nil {
		af := pidfd.NewAsync(f)
		defer af.Close()

		if err := af.Wait(ctx); err != nil {
			return classifyPidfdError("waitpid_async", p, err)
		}

		return nil
	}

	kind := classifyPidfdOpenErr(openErr)
	if kind != KindUnsupported {
		return &Error{Kind: kind, Op: "waitpid_async", PID: p.Int(), Err: openErr}
	}

	xlog.Debug("procwait: pidfd unsupported, falling back to netlink", xlog.Ctx{"pid": p.Int()})

	backend, err := procconn.NewAsyncBackend(ctx)
	if err != nil {
		return &Error{Kind: KindPermissionDenied, Op: "waitpid_async", PID: p.Int(), Err: err}
	}
	defer backend.Close()

	if err := backend.Waitpid(ctx, p); err != nil {
		return classifyBackendError("waitpid_async", p, err)
	}

	return nil
}

// classifyPidfdOpenErr maps a pidfd.Open failure to an error Kind: ESRCH is
// a fast-fail NoSuchProcess, ENOSYS/EOPNOTSUPP trigger the netlink fallback,
// and anything else (chiefly EPERM) surfaces as-is.
func classifyPidfdOpenErr(err error) Kind {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNoSuchProcess
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EOPNOTSUPP):
		return KindUnsupported
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return KindPermissionDenied
	default:
		return KindPermissionDenied
	}
}

func classifyPidfdError(op string, p pid.Pid, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimedOut, Op: op, PID: p.Int(), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimedOut, Op: op, PID: p.Int(), Err: err}
	}
	if errors.Is(err, os.ErrNotExist) {
		return &Error{Kind: KindNoSuchProcess, Op: op, PID: p.Int(), Err: err}
	}

	return &Error{Kind: KindPermissionDenied, Op: op, PID: p.Int(), Err: err}
}

func classifyBackendError(op string, p pid.Pid, err error) error {
	switch {
	case errors.Is(err, procconn.ErrTimedOut):
		return &Error{Kind: KindTimedOut, Op: op, PID: p.Int(), Err: err}
	case errors.Is(err, procconn.ErrNoSuchProcess):
		return &Error{Kind: KindNoSuchProcess, Op: op, PID: p.Int(), Err: err}
	case errors.Is(err, procconn.ErrClosed):
		return &Error{Kind: KindBrokenPipe, Op: op, PID: p.Int(), Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimedOut, Op: op, PID: p.Int(), Err: err}
	default:
		return &Error{Kind: KindBrokenPipe, Op: op, PID: p.Int(), Err: err}
	}
}
