// Package pid identifies a Linux thread group leader and checks whether it
// is still alive.
package pid

import "fmt"

// A Pid is a thread group ID (TGID) — the value commonly called a "process
// ID" in POSIX terms. It is always strictly positive.
type Pid uint32

// FromRaw converts a raw, signed PID as reported by the kernel or supplied
// by a caller into a Pid. It fails for values <= 0.
func FromRaw(raw int32) (Pid, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("pid: invalid pid %d: must be positive", raw)
	}

	return Pid(raw), nil
}

// Int32 returns p as the signed, kernel-facing representation.
func (p Pid) Int32() int32 {
	return int32(p)
}

// Int returns p as an int, the representation most syscall wrappers expect.
func (p Pid) Int() int {
	return int(p)
}

func (p Pid) String() string {
	return fmt.Sprintf("pid %d", uint32(p))
}
