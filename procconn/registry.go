package procconn

import (
	"sort"
	"sync"

	"github.com/canonical/procwait/pid"
)

// registry tracks which pids a backend currently has outstanding waiters
// for, and the channels to notify when an EXIT event for that pid arrives.
// add, remove and notify re-derive the cBPF filter from the pids left in
// the registry. add installs the widened filter *before* inserting the
// waiter, so the kernel already admits p's EXIT event by the time anyone
// waits on it; remove and notify update the map first and install the
// narrowed filter after. notifyAll clears the map without reinstalling a
// filter.
type registry struct {
	mu      sync.Mutex
	waiters map[pid.Pid][]chan error
	conn    *Connection
}

func newRegistry(conn *Connection) *registry {
	return &registry{
		waiters: make(map[pid.Pid][]chan error),
		conn:    conn,
	}
}

// add registers ch to be sent to (exactly once) when p exits, installing
// the widened filter first. If the install fails, the registry is left
// unchanged and the caller's wait must fail outright.
func (r *registry) add(p pid.Pid, ch chan error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pids := r.pidsLocked()
	if _, already := r.waiters[p]; !already {
		pids = append(pids, p)
	}

	if err := r.conn.SetInterest(pids); err != nil {
		return err
	}

	r.waiters[p] = append(r.waiters[p], ch)

	return nil
}

// remove drops ch from p's waiter list (used on context cancellation, where
// the caller gives up without ever seeing an exit event). The narrowed
// filter is installed only after the registry no longer references p, so
// no in-flight packet can be attributed to a channel nobody is reading
// from anymore.
func (r *registry) remove(p pid.Pid, ch chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chans := r.waiters[p]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}

	if len(chans) == 0 {
		delete(r.waiters, p)
	} else {
		r.waiters[p] = chans
	}

	_ = r.conn.SetInterest(r.pidsLocked())
}

// notify delivers err to every channel waiting on p and clears them from
// the registry, then narrows the filter now that p has no more waiters.
// Every channel passed to add must be buffered with capacity 1, so this
// send never blocks even if the original caller already gave up and
// removed itself via remove racing this delivery.
func (r *registry) notify(p pid.Pid, err error) {
	r.mu.Lock()
	chans := r.waiters[p]
	delete(r.waiters, p)
	_ = r.conn.SetInterest(r.pidsLocked())
	r.mu.Unlock()

	for _, ch := range chans {
		ch <- err
	}
}

// notifyAll delivers err to every outstanding waiter for every pid, used
// when the backend's pump loop exits and no further events will ever be
// observed.
func (r *registry) notifyAll(err error) {
	r.mu.Lock()
	all := r.waiters
	r.waiters = make(map[pid.Pid][]chan error)
	r.mu.Unlock()

	for _, chans := range all {
		for _, ch := range chans {
			ch <- err
		}
	}
}

// pidsLocked returns the sorted set of pids with at least one waiter. It
// must be called with mu held. Sorting keeps the cBPF program's tail
// deterministic, which makes the assembled filter reproducible in tests.
func (r *registry) pidsLocked() []pid.Pid {
	out := make([]pid.Pid, 0, len(r.waiters))
	for p := range r.waiters {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
