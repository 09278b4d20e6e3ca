package procconn

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/canonical/procwait/internal/xlog"
	"github.com/canonical/procwait/pid"
)

// ErrClosed is returned by Waitpid to every outstanding caller when the
// owning Backend is closed before the pid being watched exits.
var ErrClosed = errors.New("procconn: backend closed")

// ErrNoSuchProcess is returned by Waitpid when the eager process_exists
// probe finds the target already gone before any waiter is registered.
var ErrNoSuchProcess = errors.New("procconn: no such process")

// Backend is one shared NETLINK_CONNECTOR subscription plus the pump
// goroutine that drains it. Every blocking Waitpid call in the process
// funnels through the same Backend (see Shared), since the kernel
// multicasts proc events to every listening socket and there is no benefit
// to opening more than one.
type Backend struct {
	conn *Connection
	reg  *registry

	closing chan struct{}
	done    chan struct{}
	err     error
}

// NewBackend opens a connection, installs the empty (drop-everything)
// filter, subscribes to events, and spawns the pump goroutine. Most callers
// want Shared instead of a dedicated Backend.
func NewBackend() (*Backend, error) {
	conn, err := NewConnection()
	if err != nil {
		return nil, err
	}

	if err := conn.SetInterest(nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.Start(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	b := &Backend{
		conn:    conn,
		reg:     newRegistry(conn),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go b.pump()

	return b, nil
}

// shared deduplicates concurrent Shared() calls behind a singleflight group
// so a burst of simultaneous first-time waiters opens exactly one socket.
var shared struct {
	sf singleflight.Group
	b  *Backend
}

// Shared returns the process-wide Backend, opening it on first use. It is
// never closed by user code; the facade in package procwait owns its
// lifetime only in the sense of constructing it lazily.
func Shared() (*Backend, error) {
	v, err, _ := shared.sf.Do("backend", func() (any, error) {
		if shared.b != nil {
			return shared.b, nil
		}

		b, err := NewBackend()
		if err != nil {
			return nil, err
		}

		shared.b = b

		return b, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Backend), nil
}

// Waitpid blocks until p exits, the timeout budget elapses, or the Backend
// itself shuts down, whichever happens first, with the same timeout
// semantics as pidfd.File.Wait (negative blocks forever, zero probes once,
// positive bounds the wait). It performs the eager pid.Exists check the
// facade's fallback path relies on: if p is already gone by the time
// Waitpid is called, it fails with ErrNoSuchProcess without ever touching
// the netlink socket, since the connector has no way to report an exit
// that already happened before this process subscribed.
func (b *Backend) Waitpid(p pid.Pid, timeout time.Duration) error {
	if !pid.Exists(p) {
		return ErrNoSuchProcess
	}

	ch := make(chan error, 1)

	if err := b.reg.add(p, ch); err != nil {
		return err
	}

	if timeout == 0 {
		select {
		case err := <-ch:
			return err
		default:
			b.reg.remove(p, ch)
			return ErrTimedOut
		}
	}

	if timeout < 0 {
		return <-ch
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		b.reg.remove(p, ch)
		return ErrTimedOut
	}
}

// Close unsubscribes and tears down the Backend, waking the pump goroutine
// and failing every outstanding Waitpid call with ErrClosed.
func (b *Backend) Close() error {
	close(b.closing)
	<-b.done

	return b.err
}

// pump is the single goroutine that ever reads the connector socket.
func (b *Backend) pump() {
	defer close(b.done)
	defer func() {
		_ = b.conn.Stop()
		_ = b.conn.Close()
	}()

	buf := make([]byte, maxMsgSize)

	for {
		tgid, err := b.conn.ReadEvent(buf, -1, b.closing)
		if err != nil {
			if errors.Is(err, errAborted) {
				b.reg.notifyAll(ErrClosed)
				return
			}

			b.err = fmt.Errorf("procconn: pump: %w", err)
			b.reg.notifyAll(b.err)

			return
		}

		xlog.Debug("procconn: observed exit event", xlog.Ctx{"pid": tgid.Int()})
		b.reg.notify(tgid, nil)
	}
}
