// Package wire defines the on-wire layouts exchanged over a
// NETLINK_CONNECTOR socket with the kernel's process connector
// (Documentation/connector/connector.txt, linux/cn_proc.h), plus a helper
// for reading the incomplete-array payload that follows a cn_msg header.
//
// All struct field orderings mirror the kernel headers exactly. Because the
// kernel emits these as packed, host-endian structures embedded in a buffer
// we receive over a socket, callers must read/write them with explicit
// offsets rather than relying on Go struct layout — see PayloadAt.
package wire

import "encoding/binary"

const (
	// CNIdxProc is the connector multicast group for process events.
	CNIdxProc = 0x1
	// CNValProc is the connector message value for process events.
	CNValProc = 0x1

	// ProcCnMcastListen subscribes the sender to process events.
	ProcCnMcastListen = 1
	// ProcCnMcastIgnore unsubscribes the sender from process events.
	ProcCnMcastIgnore = 2

	// ProcEventExit identifies an exit() event in proc_event.what.
	ProcEventExit = 0x80000000
)

// CBID is linux/connector.h's struct cb_id.
type CBID struct {
	Idx uint32
	Val uint32
}

// CNMsgHeader is linux/connector.h's struct cn_msg, without its trailing
// incomplete array member (`__u8 data[0]`). The payload that follows it in
// the wire buffer is read with PayloadAt rather than as a Go field, since Go
// has no flexible-array-member equivalent.
type CNMsgHeader struct {
	ID    CBID
	Seq   uint32
	Ack   uint32
	Len   uint16
	Flags uint16
}

// CNMsgHeaderSize is the encoded size of CNMsgHeader on the wire.
const CNMsgHeaderSize = 4 + 4 + 4 + 4 + 2 + 2

// ExitProcEvent is the event-specific tail of linux/cn_proc.h's
// struct proc_event when What == ProcEventExit, restricted to its first four
// fields (process_pid/process_tgid/exit_code/exit_signal); the parent_pid
// and parent_tgid fields that follow them are not decoded. It follows a 16-byte common header (what, cpu, timestamp_ns) in the wire
// buffer.
type ExitProcEvent struct {
	ProcessPid  uint32
	ProcessTgid uint32
	ExitCode    uint32
	ExitSignal  uint32
}

// ProcEventCommonSize is the size of proc_event's common header
// (what uint32, cpu uint32, timestamp_ns uint64) that precedes the
// event-specific union.
const ProcEventCommonSize = 4 + 4 + 8

// PayloadAt returns the sub-slice of buf starting at byte offset off,
// computed by address rather than by any Go struct field, mirroring how C
// code indexes into a struct's trailing incomplete array member. It panics
// if off is out of range, since a caller that computed an offset larger
// than the buffer has already mismeasured something upstream.
func PayloadAt(buf []byte, off int) []byte {
	if off < 0 || off > len(buf) {
		panic("wire: payload offset out of range")
	}

	return buf[off:]
}

// ByteOrder is the order multi-byte kernel wire fields are encoded in. The
// proc connector uses the host's native byte order for its own struct
// fields (this is a local multicast from the same kernel, not a routed
// packet), but the cBPF filter that screens these packets before they reach
// user space must compare against big-endian immediates regardless, because
// the cBPF VM always performs big-endian loads. See procconn/cbpf.
var ByteOrder = binary.NativeEndian
