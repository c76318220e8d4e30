package pipeline

import (
	"context"
	"crypto/rand"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func lookPath(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available on this host: %v", name, err)
	}
}

func openFDCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("/proc/self/fd not available on this host: %v", err)
	}
	return len(entries)
}

// TestNoFileDescriptorLeak mirrors the original harness's test_fd_leak:
// the launcher process's own open-fd count after a run must be within a
// small tolerance of what it was before, proving the batch-close in
// Start doesn't leak a channel endpoint per invocation.
func TestNoFileDescriptorLeak(t *testing.T) {
	lookPath(t, "echo")
	lookPath(t, "wc")

	before := openFDCount(t)

	p := New()
	p.Add(Command("echo"), Command("wc"))
	_, err := p.Output(context.Background())
	require.NoError(t, err)

	after := openFDCount(t)
	assert.LessOrEqual(t, after-before, 2)
}

func TestSingleStageEmptyStdin(t *testing.T) {
	lookPath(t, "echo")

	p := New()
	p.Add(Command("echo"))
	out, err := p.Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "\n", string(out))
}

func TestFirstNonZeroExitWins(t *testing.T) {
	lookPath(t, "false")
	lookPath(t, "true")

	p := New()
	p.Add(Command("false"), Command("true"))
	_, err := p.Output(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "false", stageErr.Stage)
	assert.Equal(t, 0, stageErr.Index)
	assert.Equal(t, 1, stageErr.Code)
}

func TestLaterStageFailureReported(t *testing.T) {
	lookPath(t, "true")
	lookPath(t, "false")

	p := New()
	p.Add(Command("true"), Command("false"))
	_, err := p.Output(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "false", stageErr.Stage)
	assert.Equal(t, 1, stageErr.Index)
}

func TestUpstreamSigpipeIsNotAFailure(t *testing.T) {
	lookPath(t, "yes")
	lookPath(t, "head")

	p := New()
	p.Add(Command("yes"), Command("head"))
	_, err := p.Output(context.Background())
	assert.NoError(t, err)
}

func TestZeroStagesIsInvalidArgument(t *testing.T) {
	p := New()
	err := p.Run(context.Background())
	assert.Same(t, ErrNoStages, err)
	assert.Equal(t, 22, ExitCode(err))
}

func TestNonexistentProgramFailsTheWholeRun(t *testing.T) {
	p := New()
	p.Add(Command("pipelaunch_nonexistent_xyz"))

	_, err := p.Output(context.Background())

	var launchErr *launchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, 1, ExitCode(err))
}

func TestEightStagePipelineMatchesShell(t *testing.T) {
	for _, name := range []string{"cat", "tr", "sort", "uniq", "nl", "tee", "wc"} {
		lookPath(t, name)
	}

	payload := make([]byte, 32*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	// Make the payload line-oriented so sort/uniq/nl behave predictably,
	// matching what a shell pipeline would see.
	text := strings.ToUpper(strings.Trim(string(payload), "\x00"))
	var lines strings.Builder
	for i := 0; i < len(text); i += 37 {
		end := i + 37
		if end > len(text) {
			end = len(text)
		}
		lines.WriteString(text[i:end])
		lines.WriteByte('\n')
	}

	shellCmd := exec.Command("sh", "-c", "cat | tr 'a-z' 'A-Z' | tr 'A-Z' 'a-z' | sort | uniq | nl | tee /dev/null | wc -l")
	shellCmd.Stdin = strings.NewReader(lines.String())
	want, err := shellCmd.Output()
	require.NoError(t, err)

	p := New(withTestStdin(lines.String()))
	p.Add(
		Command("cat"),
		commandWithArgs("tr", "a-z", "A-Z"),
		commandWithArgs("tr", "A-Z", "a-z"),
		Command("sort"),
		Command("uniq"),
		Command("nl"),
		commandWithArgs("tee", "/dev/null"),
		commandWithArgs("wc", "-l"),
	)
	got, err := p.Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

// commandWithArgs builds a stage for a program that needs extra argv
// entries, bypassing Command's "no arguments of its own" default for
// tests that need to exercise a realistic shell-equivalent pipeline.
func commandWithArgs(name string, args ...string) *commandStage {
	s := Command(name)
	s.cmd = exec.Command(name, args...)
	return s
}

func withTestStdin(s string) Option {
	return WithStdin(strings.NewReader(s))
}
