package procwait_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	procwait "github.com/canonical/procwait"
)

func TestErrorIsSentinel(t *testing.T) {
	tests := []struct {
		name     string
		kind     procwait.Kind
		sentinel error
		other    error
	}{
		{"timed out", procwait.KindTimedOut, procwait.ErrTimedOut, procwait.ErrBrokenPipe},
		{"no such process", procwait.KindNoSuchProcess, procwait.ErrNoSuchProcess, procwait.ErrUnsupported},
		{"invalid input", procwait.KindInvalidInput, procwait.ErrInvalidInput, procwait.ErrTimedOut},
		{"broken pipe", procwait.KindBrokenPipe, procwait.ErrBrokenPipe, procwait.ErrInvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &procwait.Error{Kind: tt.kind, Op: "test", PID: 1, Err: errors.New("boom")}

			assert.True(t, errors.Is(err, tt.sentinel))
			assert.False(t, errors.Is(err, tt.other))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("kernel says no")
	err := &procwait.Error{Kind: procwait.KindPermissionDenied, Op: "test", PID: 7, Err: inner}

	assert.Same(t, inner, errors.Unwrap(err))
}

func TestErrorMessageIncludesPID(t *testing.T) {
	err := &procwait.Error{Kind: procwait.KindTimedOut, Op: "waitpid", PID: 999}
	assert.Contains(t, err.Error(), "999")
	assert.Contains(t, err.Error(), "waitpid")
}
