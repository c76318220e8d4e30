package pipeline

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil error", err: nil, expected: 0},
		{name: "no stages is EINVAL", err: ErrNoStages, expected: 22},
		{name: "stage error carries its own code", err: &StageError{Stage: "false", Index: 0, Code: 5}, expected: 5},
		{name: "launch failure", err: &launchError{program: "nope", err: errors.New("not found")}, expected: 1},
		{name: "unrecognised error defaults to one", err: errors.New("boom"), expected: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExitCode(tc.err))
		})
	}
}

func TestErrNoStagesErrno(t *testing.T) {
	var invErr *invocationError
	assert.ErrorAs(t, ErrNoStages, &invErr)
	assert.Equal(t, syscall.Errno(22), invErr.Errno())
}
