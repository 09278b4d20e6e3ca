package cbpf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/procwait/pid"
	"github.com/canonical/procwait/procconn/cbpf"
)

func mustPid(t *testing.T, raw int32) pid.Pid {
	t.Helper()
	p, err := pid.FromRaw(raw)
	require.NoError(t, err)

	return p
}

func TestAssembleEmpty(t *testing.T) {
	filter, err := cbpf.Assemble(nil)
	require.NoError(t, err)

	// Head (5 checks, 10 instructions) + unconditional drop, no accept and
	// no per-pid tail: nothing can ever match an empty interest set.
	require.Len(t, filter, 11)

	last := filter[len(filter)-1]
	assert.Equal(t, uint32(0), last.K, "final instruction must be an unconditional drop")
}

func TestAssembleGrowsWithPidCount(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		n := n
		t.Run(string(rune('0'+n))+"_pids", func(t *testing.T) {
			pids := make([]pid.Pid, n)
			for i := range pids {
				pids[i] = mustPid(t, int32(1000+i))
			}

			filter, err := cbpf.Assemble(pids)
			require.NoError(t, err)

			// head(10) + 2*n tail instructions + accept + drop.
			assert.Len(t, filter, 10+2*n+2)
		})
	}
}

func TestAssembleDistinctPerPidImmediate(t *testing.T) {
	pids := []pid.Pid{mustPid(t, 111), mustPid(t, 222)}

	filter, err := cbpf.Assemble(pids)
	require.NoError(t, err)

	// The two per-pid compare instructions are at indices 11 and 13 (head
	// occupies 0..9, tail starts at 10 with load/compare pairs).
	var immediates []uint32
	for i := 11; i < len(filter)-2; i += 2 {
		immediates = append(immediates, filter[i].K)
	}

	require.Len(t, immediates, 2)
	assert.NotEqual(t, immediates[0], immediates[1])
}

func TestAssembleRejectsNothingForLargePidSet(t *testing.T) {
	pids := make([]pid.Pid, 64)
	for i := range pids {
		pids[i] = mustPid(t, int32(2+i))
	}

	filter, err := cbpf.Assemble(pids)
	require.NoError(t, err)
	assert.Len(t, filter, 10+2*64+2)
}
