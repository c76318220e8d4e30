package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Pipeline runs a linear sequence of stages, connecting stage i's
// output to stage i+1's input, with stage 0's input and the last
// stage's output wired to whatever WithStdin/WithStdout were given
// (the launcher's own standard input/output, in the CLI).
type Pipeline struct {
	env    Env
	stdin  io.Reader
	stdout io.Writer

	closeStdout bool

	stages       []*commandStage
	eventHandler func(*Event)
	runID        string

	started uint32

	handles    []*ChildHandle
	bridges    sync.WaitGroup
	bridgeErrs []error
	bridgeMu   sync.Mutex
}

// addBridgeErr records an error from a background stdin/stdout copy
// goroutine, guarded for the (rare) case that both edges are bridged.
func (p *Pipeline) addBridgeErr(err error) {
	if err == nil {
		return
	}
	p.bridgeMu.Lock()
	p.bridgeErrs = append(p.bridgeErrs, err)
	p.bridgeMu.Unlock()
}

// Option configures a Pipeline before it is started.
type Option func(*Pipeline)

// New returns a Pipeline with every option applied.
func New(options ...Option) *Pipeline {
	p := &Pipeline{eventHandler: emptyEventHandler}
	for _, option := range options {
		option(p)
	}
	return p
}

// WithDir sets the working directory every stage runs in.
func WithDir(dir string) Option {
	return func(p *Pipeline) { p.env.Dir = dir }
}

// WithStdin assigns the first stage's input. The pipeline never
// closes a caller-supplied *os.File; any other io.Reader is drained
// into the first stage through an internal pipe.
func WithStdin(stdin io.Reader) Option {
	return func(p *Pipeline) { p.stdin = stdin }
}

// WithStdout assigns the last stage's output. The pipeline never
// closes a caller-supplied *os.File or writer given to WithStdout; use
// WithStdoutCloser if the writer should be closed once the pipeline
// finishes.
func WithStdout(stdout io.Writer) Option {
	return func(p *Pipeline) {
		p.stdout = stdout
		p.closeStdout = false
	}
}

// WithStdoutCloser is like WithStdout, but the writer is closed once
// the last stage finishes producing output. A *os.File is handed to the
// last stage directly and is not closed by the pipeline.
func WithStdoutCloser(stdout io.WriteCloser) Option {
	return func(p *Pipeline) {
		p.stdout = stdout
		p.closeStdout = true
	}
}

// WithEnvVar appends a single environment variable override.
func WithEnvVar(key, value string) Option {
	return func(p *Pipeline) {
		p.env.Vars = append(p.env.Vars, EnvVar{Key: key, Value: value})
	}
}

// WithEnvVars appends several environment variable overrides.
func WithEnvVars(vars []EnvVar) Option {
	return func(p *Pipeline) {
		p.env.Vars = append(p.env.Vars, vars...)
	}
}

// WithEventHandler installs a callback that is invoked for every
// noteworthy event: a failed spawn, a non-zero reap, or an error
// copying bridged stdin/stdout.
func WithEventHandler(handler func(e *Event)) Option {
	return func(p *Pipeline) { p.eventHandler = handler }
}

// WithRunID overrides the pipeline's run identifier, which is
// otherwise a freshly minted UUID. Mainly useful for deterministic
// tests.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// Add appends stages to the pipeline. It panics if called after Start.
func (p *Pipeline) Add(stages ...*commandStage) {
	if p.hasStarted() {
		panic("pipeline: attempt to modify a pipeline that has already started")
	}
	p.stages = append(p.stages, stages...)
}

func (p *Pipeline) hasStarted() bool {
	return atomic.LoadUint32(&p.started) != 0
}

func (p *Pipeline) emit(e *Event) {
	e.RunID = p.runID
	p.eventHandler(e)
}

// Start validates and spawns every stage, per the argument gate, pipe
// factory and spawner contracts. If Start returns without error, Wait
// must be called to release resources and collect the overall result;
// if Start returns an error, every stage it managed to spawn has
// already been drained and reaped internally.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.hasStarted() {
		panic("pipeline: attempt to start a pipeline that has already started")
	}
	if len(p.stages) == 0 {
		return ErrNoStages
	}
	atomic.StoreUint32(&p.started, 1)

	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	for i, s := range p.stages {
		s.index = i
	}

	n := len(p.stages)
	channels, err := newChannels(n - 1)
	if err != nil {
		return fmt.Errorf("allocating pipeline channels: %w", err)
	}

	firstIn, err := p.resolveStdin()
	if err != nil {
		closeChannels(channels)
		return fmt.Errorf("wiring pipeline stdin: %w", err)
	}
	lastOut, err := p.resolveStdout()
	if err != nil {
		closeChannels(channels)
		return fmt.Errorf("wiring pipeline stdout: %w", err)
	}

	endpoints := make([]*os.File, 0, 2*len(channels))
	for _, c := range channels {
		endpoints = append(endpoints, c.read, c.write)
	}
	if createdBridge(p.stdin) && firstIn != nil {
		endpoints = append(endpoints, firstIn)
	}
	if createdBridge(p.stdout) && lastOut != nil {
		endpoints = append(endpoints, lastOut)
	}

	handles := make([]*ChildHandle, 0, n)

	abort := func(i int, stageErr error) error {
		closeFiles(endpoints)
		p.bridges.Wait()
		results, _ := reap(ctx, handles)

		p.reportLaunchFailure(p.stages[i].Name(), stageErr)

		results = append(results, StageResult{Index: i, Name: p.stages[i].Name(), Code: 1})
		failure := firstFailure(results)
		if failure == nil {
			// Unreachable: the synthetic result just appended above is
			// always non-zero, so firstFailure always finds something.
			failure = &StageError{Stage: p.stages[i].Name(), Index: i, Code: 1}
		}
		// Wrap both so the *launchError stays reachable via errors.As
		// while ExitCode still uses the first failure's code.
		return fmt.Errorf("%w: %w", failure, stageErr)
	}

	for i, s := range p.stages {
		var in, out *os.File
		if i == 0 {
			in = firstIn
		} else {
			in = channels[i-1].read
		}
		if i == n-1 {
			out = lastOut
		} else {
			out = channels[i].write
		}

		handle, startErr := s.start(ctx, p.env, in, out)
		if startErr != nil {
			return abort(i, startErr)
		}

		handles = append(handles, handle)
	}

	// Drain: release every parent-held channel endpoint now that all N
	// stages have been spawned. This is the precondition that lets the
	// final stage observe EOF from its producer.
	closeFiles(endpoints)

	p.handles = handles
	return nil
}

// Wait waits for every spawned stage exactly once and returns the
// pipeline's overall result: nil if every stage normalised to 0, or a
// *StageError naming the first (lowest-indexed) stage that did not.
func (p *Pipeline) Wait() error {
	if !p.hasStarted() {
		panic("pipeline: unable to wait on a pipeline that has not started")
	}

	results, _ := reap(context.Background(), p.handles)

	p.bridges.Wait()
	for _, bridgeErr := range p.bridgeErrs {
		p.emit(&Event{Stage: "stdio", Msg: "error copying pipeline input/output", Err: bridgeErr})
	}

	for _, r := range results {
		if r.Code != 0 {
			p.emit(&Event{Stage: r.Name, Msg: "stage exited with a non-zero status", Context: map[string]any{"code": r.Code}})
		}
	}

	if failure := firstFailure(results); failure != nil {
		return failure
	}
	return nil
}

// Run starts and waits for the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// Output runs the pipeline with its last stage's stdout captured into
// a buffer, returning the bytes produced. Mirrors the teacher's own
// Pipeline.Output convenience method.
func (p *Pipeline) Output(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	p.stdout = writerNopCloser{&buf}
	err := p.Run(ctx)
	return buf.Bytes(), err
}

func (p *Pipeline) reportLaunchFailure(stage string, err error) {
	fmt.Fprintf(os.Stderr, "pipelaunch[%s]: %s: %v\n", p.runID, stage, err)
	p.emit(&Event{Stage: stage, Msg: "failed to start pipeline stage", Err: err})
}

// resolveStdin returns the *os.File that stage 0 should read from. A
// caller-supplied *os.File is used directly and is never closed by the
// pipeline; any other io.Reader (or none at all) is bridged through an
// internal pipe fed by a background copy.
func (p *Pipeline) resolveStdin() (*os.File, error) {
	switch stdin := p.stdin.(type) {
	case nil:
		return nil, nil
	case *os.File:
		return stdin, nil
	default:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		p.bridges.Add(1)
		go func() {
			defer p.bridges.Done()
			_, copyErr := io.Copy(w, stdin)
			if closeErr := w.Close(); copyErr == nil {
				copyErr = closeErr
			}
			p.addBridgeErr(copyErr)
		}()
		return r, nil
	}
}

// resolveStdout returns the *os.File the last stage should write to,
// with the same direct-vs-bridged distinction as resolveStdin.
func (p *Pipeline) resolveStdout() (*os.File, error) {
	switch stdout := p.stdout.(type) {
	case nil:
		return nil, nil
	case *os.File:
		return stdout, nil
	default:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		p.bridges.Add(1)
		closer := p.closeStdout
		go func() {
			defer p.bridges.Done()
			_, copyErr := io.Copy(stdout, r)
			_ = r.Close()
			if closer {
				if wc, ok := p.stdout.(io.WriteCloser); ok {
					if closeErr := wc.Close(); copyErr == nil {
						copyErr = closeErr
					}
				}
			}
			p.addBridgeErr(copyErr)
		}()
		return w, nil
	}
}

// createdBridge reports whether v is something other than a
// caller-supplied *os.File, meaning the pipeline created its own
// internal bridge pipe for it and owns the endpoint handed to the
// adjacent stage.
func createdBridge(v any) bool {
	if v == nil {
		return false
	}
	_, isFile := v.(*os.File)
	return !isFile
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
