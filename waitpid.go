// Package procwait waits for an arbitrary process — not necessarily a
// child of the calling process — to exit, without polling. On Linux it
// tries a pidfd first (cheap, precise, requires kernel ≥ 5.3) and falls
// back to a NETLINK_CONNECTOR proc-event subscription on kernels without
// pidfd support.
//
// Both a blocking and a context-cancelable API are provided; see Waitpid
// and WaitpidAsync.
package procwait

import (
	"context"
	"time"
)

// Waitpid blocks until the process identified by raw exits or timeout
// elapses, whichever happens first. timeout < 0 blocks forever; timeout ==
// 0 probes once without blocking; timeout > 0 bounds the wait.
//
// raw must convert to a positive Pid (see pid.FromRaw); anything else
// returns an *Error with Kind KindInvalidInput. A process already gone by
// the time Waitpid is called returns an *Error with Kind
// KindNoSuchProcess, indistinguishable from "never existed" — this
// library cannot and does not try to tell the two apart.
func Waitpid(raw int32, timeout time.Duration) error {
	return waitpid(raw, timeout)
}

// WaitpidAsync is Waitpid's cooperative counterpart: it returns as soon as
// ctx is canceled instead of parking the calling goroutine for the full
// timeout.
func WaitpidAsync(ctx context.Context, raw int32) error {
	return waitpidAsync(ctx, raw)
}
