package procconn

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/canonical/procwait/pid"
)

// AsyncBackend is the cooperative-scheduling counterpart to Backend: its
// Waitpid variant returns as soon as ctx is canceled instead of blocking
// the calling goroutine indefinitely. It reads through
// Connection.ReadEventContext, which integrates with Go's runtime poller
// the same way mdlayher/pidfd's context-aware Wait does.
type AsyncBackend struct {
	conn  *Connection
	reg   *registry
	group *errgroup.Group

	cancel context.CancelFunc
}

// NewAsyncBackend creates and subscribes a new AsyncBackend bound to ctx:
// canceling ctx tears the whole backend down, failing every outstanding
// Waitpid call with ctx.Err().
func NewAsyncBackend(ctx context.Context) (*AsyncBackend, error) {
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

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	b := &AsyncBackend{
		conn:   conn,
		reg:    newRegistry(conn),
		group:  g,
		cancel: cancel,
	}

	g.Go(func() error {
		return b.pump(gctx)
	})

	return b, nil
}

// Waitpid blocks until p exits, ctx is canceled, or the backend itself
// shuts down, whichever happens first.
func (b *AsyncBackend) Waitpid(ctx context.Context, p pid.Pid) error {
	if !pid.Exists(p) {
		return ErrNoSuchProcess
	}

	ch := make(chan error, 1)

	if err := b.reg.add(p, ch); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		b.reg.remove(p, ch)
		return ctx.Err()
	}
}

// Close cancels the backend's context and waits for its pump goroutine to
// exit, returning the first non-cancellation error either encountered.
func (b *AsyncBackend) Close() error {
	b.cancel()
	err := b.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (b *AsyncBackend) pump(ctx context.Context) error {
	defer func() {
		_ = b.conn.Stop()
		_ = b.conn.Close()
	}()

	buf := make([]byte, maxMsgSize)

	for {
		tgid, err := b.conn.ReadEventContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				b.reg.notifyAll(ctx.Err())
				return ctx.Err()
			}

			wrapped := fmt.Errorf("procconn: read connector socket: %w", err)
			b.reg.notifyAll(wrapped)

			return wrapped
		}

		b.reg.notify(tgid, nil)
	}
}
