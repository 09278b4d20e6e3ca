// Package cbpf assembles the classic-BPF program installed on the proc
// connector socket to drop every packet that is not an EXIT event for a PID
// currently of interest.
package cbpf

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/canonical/procwait/internal/wire"
	"github.com/canonical/procwait/pid"
)

// Wire offsets into the combined nlmsghdr + cn_msg + proc_event buffer that
// the kernel delivers. nlmsghdr is 16 bytes (len, type, flags, seq, pid);
// cn_msg follows it at offset 16 and is wire.CNMsgHeaderSize (20) bytes;
// proc_event follows at 36, its common header (what/cpu/timestamp_ns) is
// wire.ProcEventCommonSize (16) bytes, and the exit-specific process_tgid
// field sits 4 bytes into the exit union that follows.
const (
	offNlmsgType = 4 // nlmsghdr.nlmsg_type, u16
	offNlmsgPid  = 12
	offCnIdxProc = 16 + 0 // cn_msg.id.idx
	offCnValProc = 16 + 4 // cn_msg.id.val
	offProcWhat  = 16 + wire.CNMsgHeaderSize
	offExitTgid  = 16 + wire.CNMsgHeaderSize + wire.ProcEventCommonSize + 4
	nlmsgDone    = 0x3
	dropConstant = 0
)

// be32 returns v's native-endian in-memory byte representation reinterpreted
// as a big-endian integer — i.e. htonl(v) on a little-endian host and a
// no-op on a big-endian one. The cBPF interpreter's BPF_LD|BPF_ABS word/half
// loads always byte-swap as if reading a network-order packet, even though
// the proc connector's buffer is native-endian in memory; every immediate
// compared against such a load must be pre-swapped the same way to match.
func be32(v uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}

// be16 is be32's 16-bit counterpart, for the single half-word load
// (nlmsg_type) in the head of the filter.
func be16(v uint16) uint32 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	return uint32(binary.BigEndian.Uint16(b[:]))
}

// Assemble builds the cBPF program that accepts only EXIT events for the
// given PIDs, and drops everything else — including, when pids is empty,
// every packet unconditionally. The returned filter is ready to hand to
// unix.SetsockoptSockFprog.
func Assemble(pids []pid.Pid) ([]unix.SockFilter, error) {
	insns := []bpf.Instruction{
		// 1. nlmsg_type must be NLMSG_DONE.
		bpf.LoadAbsolute{Off: offNlmsgType, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: be16(nlmsgDone), SkipTrue: dropLater},

		// 2. nlmsg_pid must be 0 (message originated in the kernel).
		bpf.LoadAbsolute{Off: offNlmsgPid, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0, SkipTrue: dropLater},

		// 3. cn_msg.id.idx must be CN_IDX_PROC.
		bpf.LoadAbsolute{Off: offCnIdxProc, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: be32(wire.CNIdxProc), SkipTrue: dropLater},

		// 4. cn_msg.id.val must be CN_VAL_PROC.
		bpf.LoadAbsolute{Off: offCnValProc, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: be32(wire.CNValProc), SkipTrue: dropLater},

		// 5. proc_event.what must be PROC_EVENT_EXIT.
		bpf.LoadAbsolute{Off: offProcWhat, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: be32(wire.ProcEventExit), SkipTrue: dropLater},
	}

	// 6. For each interesting PID, load process_tgid and accept on match.
	// SkipTrue/SkipFalse are relative to the instruction after the jump, so
	// they are computed once the full tail length is known.
	tail := make([]bpf.Instruction, 0, len(pids)*2)
	for range pids {
		tail = append(tail,
			bpf.LoadAbsolute{Off: offExitTgid, Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0 /* patched below */, SkipTrue: 0 /* patched below */},
		)
	}

	for i, p := range pids {
		remaining := len(pids) - i - 1
		jumpIdx := i*2 + 1
		cmp := tail[jumpIdx].(bpf.JumpIf)
		cmp.Val = be32(uint32(p))
		// On match, jump forward over every remaining (load, compare) pair
		// straight to the accept instruction that follows the tail.
		cmp.SkipTrue = uint8(2 * remaining)
		// On mismatch: if another PID remains, fall through to check it
		// (distance 0); otherwise skip over the accept instruction to land
		// on the final drop.
		if remaining == 0 {
			cmp.SkipFalse = 1
		}
		tail[jumpIdx] = cmp
	}

	insns = append(insns, tail...)
	if len(pids) == 0 {
		// No PID can ever match, so the head's fall-through (every header
		// check passed) must drop too — there is no accept instruction to
		// fall into.
		insns = append(insns, bpf.RetConstant{Val: dropConstant})
	} else {
		insns = append(insns,
			bpf.RetConstant{Val: 0xffffffff}, // accept: full packet
			bpf.RetConstant{Val: dropConstant},
		)
	}

	// Patch the head's "drop on mismatch" jumps now that the tail length
	// (and therefore the drop instruction's final position) is known. On
	// mismatch each head check must skip every instruction between it and
	// the final drop, or fall through to the next check otherwise; bpf.Assemble resolves JumpIf purely by instruction count,
	// so we rewrite SkipTrue on each head JumpIf to land exactly on the
	// final RetConstant{0} drop instruction.
	headJumps := []int{1, 3, 5, 7, 9}
	finalDropIdx := len(insns) - 1
	for _, idx := range headJumps {
		ji := insns[idx].(bpf.JumpIf)
		ji.SkipTrue = uint8(finalDropIdx - idx - 1)
		insns[idx] = ji
	}

	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("cbpf: assemble filter for %d pids: %w", len(pids), err)
	}

	out := make([]unix.SockFilter, len(raw))
	for i, r := range raw {
		out[i] = unix.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}

	return out, nil
}

// dropLater is a placeholder SkipTrue value rewritten to the real distance
// to the final drop instruction once the tail length is known; see the
// patch loop in Assemble.
const dropLater = 0
