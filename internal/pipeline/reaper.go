package pipeline

import (
	"context"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ChildHandle is an opaque reference to a live child process plus the
// stage index it was spawned for. It is consumed exactly once, by the
// Reaper.
type ChildHandle struct {
	index int
	name  string
	cmd   *exec.Cmd
}

// StageResult is a stage's normalised outcome: an exit code in
// [0, 255], with termination by SIGPIPE normalised to 0.
type StageResult struct {
	Index int
	Name  string
	Code  int
}

// StageError reports that the pipeline's overall exit status is
// non-zero because of the named stage. Code is the overall exit code
// the CLI should use: the first (lowest-indexed) stage's normalised
// result that was non-zero.
type StageError struct {
	Stage string
	Index int
	Code  int
}

func (e *StageError) Error() string {
	return "stage " + e.Stage + " exited with a non-zero status"
}

// reap waits for every recorded child exactly once and normalises its
// termination, per the reaper contract. The order of waits is
// unspecified (an errgroup runs them concurrently), but every result
// is still reported in stage order when computing the overall status.
func reap(ctx context.Context, handles []*ChildHandle) ([]StageResult, error) {
	results := make([]StageResult, len(handles))

	var g errgroup.Group
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			results[i] = StageResult{
				Index: h.index,
				Name:  h.name,
				Code:  normalizeStatus(h.cmd.Wait()),
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// normalizeStatus maps the error returned by (*exec.Cmd).Wait into the
// stage's normalised exit code: its real exit code if it exited
// normally, 0 if it was killed by SIGPIPE, and a non-zero value
// (128 + signal number) for any other signal death.
func normalizeStatus(err error) int {
	if err == nil {
		return 0
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1
	}

	ws, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return 1
	}

	status := unix.WaitStatus(ws)
	if status.Signaled() {
		if status.Signal() == unix.SIGPIPE {
			return 0
		}
		return 128 + int(status.Signal())
	}

	code := status.ExitStatus()
	if code < 0 || code > 255 {
		return 1
	}
	return code
}

// firstFailure scans results in stage order and returns the earliest
// one whose normalised code is non-zero, per the first-error
// propagation rule.
func firstFailure(results []StageResult) *StageError {
	for _, r := range results {
		if r.Code != 0 {
			return &StageError{Stage: r.Name, Index: r.Index, Code: r.Code}
		}
	}
	return nil
}
