// Command pipelaunch spawns one child process per program name given
// on the command line, connects them stdout-to-stdin in order, and
// waits for all of them. Stage 0 reads pipelaunch's own stdin; the
// last stage writes to pipelaunch's own stdout.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pipelaunch/pipelaunch/internal/pipeline"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds and executes the root command for args, returning the
// process exit code. It is kept separate from main so it can be
// exercised by tests without calling os.Exit.
func run(args []string) int {
	pipeline.IgnoreBrokenPipe()

	if args == nil {
		// cobra reads os.Args[1:] instead when given nil args.
		args = []string{}
	}

	cmd := newRootCmd()
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		return pipeline.ExitCode(err)
	}
	return 0
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "pipelaunch PROG1 [PROG2 ... PROGN]",
		Short:                 "Run a linear pipeline of external programs, shell-style.",
		Version:               version,
		SilenceUsage:          true,
		DisableFlagsInUseLine: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return pipeline.ErrNoStages
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return launch(cmd.Context(), args)
		},
	}
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	return cmd
}

func launch(ctx context.Context, programs []string) error {
	p := pipeline.New(
		pipeline.WithStdin(os.Stdin),
		pipeline.WithStdout(os.Stdout),
		pipeline.WithEventHandler(reportEvent),
	)

	for _, program := range programs {
		p.Add(pipeline.Command(program))
	}

	return p.Run(ctx)
}

// reportEvent prints diagnostics for any event that isn't already
// reported inline by the pipeline (a stage launch failure is reported
// directly to stderr as it happens; this handler additionally narrates
// non-zero exits and stdin/stdout copy errors).
func reportEvent(e *pipeline.Event) {
	if e.Msg == "failed to start pipeline stage" {
		// Already reported to stderr by the pipeline itself.
		return
	}
	if e.Err != nil {
		fmt.Fprintf(os.Stderr, "pipelaunch[%s]: %s: %s: %v\n", e.RunID, e.Stage, e.Msg, e.Err)
		return
	}
	fmt.Fprintf(os.Stderr, "pipelaunch[%s]: %s: %s\n", e.RunID, e.Stage, e.Msg)
}
