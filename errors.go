package procwait

import "fmt"

// Kind classifies an Error so callers can branch on policy (retry, fall
// back, surface to the user) without inspecting backend-specific wrapped
// errors.
type Kind int

const (
	// KindInvalidInput means the pid argument was zero or negative.
	KindInvalidInput Kind = iota
	// KindNoSuchProcess means the kernel has no knowledge of the pid.
	KindNoSuchProcess
	// KindUnsupported means the pidfd backend is unavailable on this
	// kernel (ENOSYS/EOPNOTSUPP); Waitpid falls back to netlink on this
	// kind and this kind alone.
	KindUnsupported
	// KindPermissionDenied surfaces an EPERM/EACCES from pidfd open or
	// netlink bind straight to the caller.
	KindPermissionDenied
	// KindTimedOut means the caller's timeout budget elapsed first. This
	// is a normal, expected outcome, not a failure of the library.
	KindTimedOut
	// KindBrokenPipe means the backend serving a wait was torn down while
	// the wait was outstanding.
	KindBrokenPipe
	// KindConnectionAborted is internal: the event pump observed its own
	// shutdown signal. It is never returned to a Waitpid caller.
	KindConnectionAborted
	// KindUnexpectedEOF names a netlink read that returned zero bytes. The
	// pumps skip such a read like any datagram that fails parsing, so no
	// operation in this package returns this kind.
	KindUnexpectedEOF
	// KindInvalidData means a netlink datagram failed the parse contract.
	// This is a soft error: the pump skips the datagram and reads the next.
	KindInvalidData
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindNoSuchProcess:
		return "no such process"
	case KindUnsupported:
		return "unsupported"
	case KindPermissionDenied:
		return "permission denied"
	case KindTimedOut:
		return "timed out"
	case KindBrokenPipe:
		return "broken pipe"
	case KindConnectionAborted:
		return "connection aborted"
	case KindUnexpectedEOF:
		return "unexpected EOF"
	case KindInvalidData:
		return "invalid data"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every exported operation in this
// package. It is grounded on mdlayher/pidfd's Error type (FD, PID int;
// Err error, with an Is bridging to os.ErrNotExist): Op replaces FD here
// since a single Waitpid call can span both the pidfd and netlink
// backends, and no one fd identifies the whole operation.
type Error struct {
	Kind Kind
	Op   string
	PID  int
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("procwait: %s: pid %d: %s: %v", e.Op, e.PID, e.Kind, e.Err)
	}

	return fmt.Sprintf("procwait: %s: pid %d: %s", e.Op, e.PID, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is bridges e to the package-level sentinel matching its Kind, so callers
// can write errors.Is(err, procwait.ErrTimedOut) without caring which
// backend produced err.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidInput:
		return e.Kind == KindInvalidInput
	case ErrNoSuchProcess:
		return e.Kind == KindNoSuchProcess
	case ErrUnsupported:
		return e.Kind == KindUnsupported
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrTimedOut:
		return e.Kind == KindTimedOut
	case ErrBrokenPipe:
		return e.Kind == KindBrokenPipe
	case ErrConnectionAborted:
		return e.Kind == KindConnectionAborted
	case ErrUnexpectedEOF:
		return e.Kind == KindUnexpectedEOF
	case ErrInvalidData:
		return e.Kind == KindInvalidData
	default:
		return false
	}
}

// Package-level sentinels. Compare with errors.Is, never with ==, since
// the concrete error flowing out of Waitpid is always an *Error wrapping
// one of these by Kind.
var (
	ErrInvalidInput      = newSentinel("invalid input")
	ErrNoSuchProcess     = newSentinel("no such process")
	ErrUnsupported       = newSentinel("unsupported")
	ErrPermissionDenied  = newSentinel("permission denied")
	ErrTimedOut          = newSentinel("timed out")
	ErrBrokenPipe        = newSentinel("broken pipe")
	ErrConnectionAborted = newSentinel("connection aborted")
	ErrUnexpectedEOF     = newSentinel("unexpected EOF")
	ErrInvalidData       = newSentinel("invalid data")
)

type sentinel string

func (s sentinel) Error() string { return "procwait: " + string(s) }

func newSentinel(msg string) error { return sentinel(msg) }
