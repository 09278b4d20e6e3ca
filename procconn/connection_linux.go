package procconn

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"

	"github.com/canonical/procwait/internal/wire"
	"github.com/canonical/procwait/pid"
	"github.com/canonical/procwait/procconn/cbpf"
)

// maxMsgSize is the receive buffer size for a single netlink datagram; the
// kernel never emits a proc connector event larger than a small fraction of
// this, but control frames and future event kinds are given headroom.
const maxMsgSize = 16 * 1024

// ErrTimedOut is returned by ReadEvent when no matching packet arrives
// within the requested timeout budget.
var ErrTimedOut = errors.New("procconn: read timed out")

// errAborted signals that ReadEvent returned because its abort channel
// fired, not because of a timeout or a real socket error. Backend maps this
// to the package-level ErrClosed before it ever reaches a caller.
var errAborted = errors.New("procconn: read aborted")

// Connection owns one NETLINK_CONNECTOR socket bound to CN_IDX_PROC, plus
// the self-pipe used to interrupt a blocked ReadEvent from another
// goroutine (the abort channel given to ReadEvent is forwarded onto this
// pipe, since poll(2) has no way to wait on a channel directly). Backend and
// AsyncBackend each own exactly one Connection: filter changes go through
// the registry lock, and only the backend's pump goroutine reads from it.
type Connection struct {
	fd             int
	addr           *unix.SockaddrNetlink
	seq            uint32
	abortR, abortW int

	sock *socket.Conn
}

// NewConnection opens and binds a netlink connector socket. The connection
// is not yet subscribed to events; call Start for that.
func NewConnection() (*Connection, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("procconn: open netlink connector socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
		Groups: wire.CNIdxProc,
	}

	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("procconn: bind netlink connector socket: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("procconn: open abort pipe: %w", err)
	}

	return &Connection{fd: fd, addr: addr, abortR: pipeFds[0], abortW: pipeFds[1]}, nil
}

// Close releases the connection's socket and self-pipe. If ReadEventContext
// ever wrapped the fd in an mdlayher/socket.Conn, that wrapper owns the fd
// and is closed instead of closing the raw fd a second time.
func (c *Connection) Close() error {
	var err error
	if c.sock != nil {
		err = c.sock.Close()
	} else {
		err = unix.Close(c.fd)
	}

	_ = unix.Close(c.abortR)
	_ = unix.Close(c.abortW)

	return err
}

// Start subscribes the connection to process events.
func (c *Connection) Start() error {
	return c.sendControl(wire.ProcCnMcastListen)
}

// Stop unsubscribes the connection from process events. Callers always send
// this as part of teardown even when the socket is about to be closed,
// since the kernel otherwise keeps multicasting to a pid that is no longer
// listening until the socket is reclaimed.
func (c *Connection) Stop() error {
	return c.sendControl(wire.ProcCnMcastIgnore)
}

// sendControl emits a single nlmsghdr + cn_msg + u32(op) control frame. The
// buffer is built with explicit binary.Write calls rather than direct
// struct casts because nlmsghdr and cn_msg are packed wire layouts that
// must not pick up Go's natural struct alignment/padding.
func (c *Connection) sendControl(op uint32) error {
	c.seq++

	body := new(bytes.Buffer)
	cn := wire.CNMsgHeader{
		ID:  wire.CBID{Idx: wire.CNIdxProc, Val: wire.CNValProc},
		Seq: c.seq,
		Len: uint16(binary.Size(op)),
	}
	if err := binary.Write(body, wire.ByteOrder, cn); err != nil {
		return fmt.Errorf("procconn: encode cn_msg: %w", err)
	}
	if err := binary.Write(body, wire.ByteOrder, op); err != nil {
		return fmt.Errorf("procconn: encode control op: %w", err)
	}

	hdr := unix.NlMsghdr{
		Len:  unix.NLMSG_HDRLEN + uint32(body.Len()),
		Type: unix.NLMSG_DONE,
		Pid:  uint32(os.Getpid()),
		Seq:  c.seq,
	}

	msg := new(bytes.Buffer)
	if err := binary.Write(msg, wire.ByteOrder, hdr); err != nil {
		return fmt.Errorf("procconn: encode nlmsghdr: %w", err)
	}
	msg.Write(body.Bytes())

	if err := unix.Sendto(c.fd, msg.Bytes(), 0, c.addr); err != nil {
		return fmt.Errorf("procconn: send control message: %w", err)
	}

	return nil
}

// SetInterest installs (or replaces) the cBPF filter restricting delivered
// packets to EXIT events for pids. An empty pids still installs a
// well-formed filter that drops everything, which is what Backend
// construction uses to close the race between subscribing and the first
// real interest registration.
func (c *Connection) SetInterest(pids []pid.Pid) error {
	filter, err := cbpf.Assemble(pids)
	if err != nil {
		return err
	}

	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}

	if err := unix.SetsockoptSockFprog(c.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("procconn: attach filter: %w", err)
	}

	return nil
}

// ReadEvent blocks until a well-formed EXIT event arrives, timeout elapses,
// or abort fires, whichever happens first. timeout < 0 waits forever;
// timeout == 0 polls once without blocking. Packets that do not satisfy the
// parse contract of parseExit are silently skipped and never counted
// against the timeout budget's caller-visible semantics beyond the time
// actually spent polling.
func (c *Connection) ReadEvent(buf []byte, timeout time.Duration, abort <-chan struct{}) (pid.Pid, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	readDone := make(chan struct{})
	defer close(readDone)

	if abort != nil {
		go func() {
			select {
			case <-abort:
				var b [1]byte
				_, _ = unix.Write(c.abortW, b[:])
			case <-readDone:
			}
		}()
	}

	for {
		pollTimeout := -1
		switch {
		case timeout == 0:
			pollTimeout = 0
		case timeout > 0:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, ErrTimedOut
			}
			pollTimeout = int(remaining.Milliseconds())
		}

		fds := []unix.PollFd{
			{Fd: int32(c.fd), Events: unix.POLLIN},
			{Fd: int32(c.abortR), Events: unix.POLLIN},
		}

		n, err := unix.Poll(fds, pollTimeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return 0, fmt.Errorf("procconn: poll connector socket: %w", err)
		}
		if n == 0 {
			return 0, ErrTimedOut
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			var drain [64]byte
			_, _ = unix.Read(c.abortR, drain[:])

			return 0, errAborted
		}

		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nr, _, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			return 0, fmt.Errorf("procconn: read connector socket: %w", err)
		}

		tgid, ok := parseExit(buf[:nr])
		if !ok {
			continue
		}

		return tgid, nil
	}
}

// ReadEventContext is ReadEvent's cooperative counterpart: it blocks until a
// well-formed EXIT event arrives or ctx is done, integrating with Go's
// runtime poller instead of a dedicated blocking goroutine. The connection's
// fd is wrapped in an mdlayher/socket.Conn on first use and reused for the
// life of the Connection; callers that mix ReadEvent and ReadEventContext on
// the same Connection will find the fd has been switched to non-blocking
// mode as a side effect, which does not affect ReadEvent's correctness.
func (c *Connection) ReadEventContext(ctx context.Context, buf []byte) (pid.Pid, error) {
	sc, err := c.asyncSock()
	if err != nil {
		return 0, err
	}

	for {
		n, _, err := sc.Recvfrom(ctx, buf, 0)
		if err != nil {
			return 0, err
		}

		tgid, ok := parseExit(buf[:n])
		if !ok {
			continue
		}

		return tgid, nil
	}
}

func (c *Connection) asyncSock() (*socket.Conn, error) {
	if c.sock != nil {
		return c.sock, nil
	}

	sc, err := socket.New(c.fd, "procconn")
	if err != nil {
		return nil, fmt.Errorf("procconn: wrap connector fd: %w", err)
	}

	c.sock = sc

	return sc, nil
}

// parseExit validates a raw datagram against the expected wire layout and,
// on a match, returns the TGID that exited. ok is false
// for any packet that does not satisfy every check (wrong nlmsg type,
// wrong cn_msg.len, wrong proc_event.what) — the caller treats that as
// "read the next packet", never as a hard error.
func parseExit(buf []byte) (tgid pid.Pid, ok bool) {
	if len(buf) < unix.NLMSG_HDRLEN {
		return 0, false
	}

	var hdr unix.NlMsghdr
	r := bytes.NewReader(buf)
	if err := binary.Read(r, wire.ByteOrder, &hdr); err != nil {
		return 0, false
	}
	if hdr.Type != unix.NLMSG_DONE {
		return 0, false
	}

	var cn wire.CNMsgHeader
	if err := binary.Read(r, wire.ByteOrder, &cn); err != nil {
		return 0, false
	}
	// The kernel sets cn_msg.len to sizeof(struct proc_event): the common
	// header plus a union as large as its largest members (exit_proc_event
	// and comm_proc_event, 24 bytes each), 40 bytes in all.
	if int(cn.Len) != wire.ProcEventCommonSize+24 {
		return 0, false
	}

	payload := wire.PayloadAt(buf, unix.NLMSG_HDRLEN+wire.CNMsgHeaderSize)

	var what uint32
	if err := binary.Read(bytes.NewReader(payload), wire.ByteOrder, &what); err != nil {
		return 0, false
	}
	if what != wire.ProcEventExit {
		return 0, false
	}

	var ev wire.ExitProcEvent
	exitBuf := wire.PayloadAt(payload, wire.ProcEventCommonSize)
	if err := binary.Read(bytes.NewReader(exitBuf), wire.ByteOrder, &ev); err != nil {
		return 0, false
	}

	return pid.Pid(ev.ProcessTgid), true
}
