package pid_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/procwait/pid"
)

func TestFromRaw(t *testing.T) {
	tests := []struct {
		name    string
		raw     int32
		want    pid.Pid
		wantErr bool
	}{
		{name: "positive", raw: 1234, want: pid.Pid(1234)},
		{name: "pid 1", raw: 1, want: pid.Pid(1)},
		{name: "zero", raw: 0, wantErr: true},
		{name: "negative", raw: -1, wantErr: true},
		{name: "min int32", raw: -2147483648, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pid.FromRaw(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPidConversions(t *testing.T) {
	p, err := pid.FromRaw(4242)
	require.NoError(t, err)

	assert.Equal(t, int32(4242), p.Int32())
	assert.Equal(t, 4242, p.Int())
	assert.Equal(t, "pid 4242", p.String())
}

func TestExists(t *testing.T) {
	self, err := pid.FromRaw(int32(os.Getpid()))
	require.NoError(t, err)
	assert.True(t, pid.Exists(self))

	// PID 1 is always present in any PID namespace that can run this test.
	initPid, err := pid.FromRaw(1)
	require.NoError(t, err)
	assert.True(t, pid.Exists(initPid))
}

func TestExistsGone(t *testing.T) {
	proc, err := os.StartProcess("/bin/true", []string{"/bin/true"}, &os.ProcAttr{})
	require.NoError(t, err)

	state, err := proc.Wait()
	require.NoError(t, err)
	require.True(t, state.Exited())

	p, err := pid.FromRaw(int32(proc.Pid))
	require.NoError(t, err)
	assert.False(t, pid.Exists(p))
}
