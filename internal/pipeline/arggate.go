package pipeline

import (
	"errors"
	"syscall"
)

// ErrNoStages is returned by Pipeline.Start when a pipeline has zero
// program names. It carries the host errno that the launcher should
// exit with (EINVAL on the reference platform), per the argument gate
// contract: "if zero programs are supplied, the launcher fails fast
// with the numeric error code associated with invalid argument".
var ErrNoStages = &invocationError{errno: syscall.EINVAL}

type invocationError struct {
	errno syscall.Errno
}

func (e *invocationError) Error() string {
	return "pipelaunch: no program names given: " + e.errno.Error()
}

func (e *invocationError) Errno() syscall.Errno {
	return e.errno
}

// ExitCode maps an error returned by Pipeline.Run (or nil) to the
// process exit code the CLI should use. Program existence is not
// validated here; it is discovered by the spawn attempt and surfaces
// as a *launchError or a *StageError.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var inv *invocationError
	if errors.As(err, &inv) {
		return int(inv.errno)
	}

	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Code
	}

	var launchErr *launchError
	if errors.As(err, &launchErr) {
		return 1
	}

	return 1
}
