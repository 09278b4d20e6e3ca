package pid

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Exists reports whether p refers to a process currently known to the
// kernel. It sends the null signal (kill(pid, 0)) and treats ESRCH as "gone"
// and everything else (including EPERM, which still proves the process
// exists) as "present".
func Exists(p Pid) bool {
	err := unix.Kill(p.Int(), 0)
	if err == nil {
		return true
	}

	return !errors.Is(err, unix.ESRCH)
}
