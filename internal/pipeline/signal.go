package pipeline

import (
	"os"
	"os/signal"
	"syscall"
)

// IgnoreBrokenPipe installs the pipeline's SIGPIPE policy for the
// calling process. It must be called once, before the first stage is
// spawned.
//
// The launcher itself never writes user data to stdout or stderr
// except diagnostics, but Go's runtime treats an EPIPE while writing to
// fd 1 or fd 2 as fatal unless SIGPIPE has an installed disposition, so
// this call protects the launcher process from that default. It says
// nothing about the SIGPIPE disposition of spawned children: those are
// started with SIGPIPE at its default (terminating) disposition, which
// is exactly what lets an upstream stage such as `yes` exit the moment
// a downstream stage stops reading. The Reaper normalises that
// termination back to success (see normalizeStatus).
//
// SIGPIPE is routed to an unread channel rather than ignored: an
// ignored disposition would be inherited by every spawned child.
func IgnoreBrokenPipe() {
	signal.Notify(make(chan os.Signal, 1), syscall.SIGPIPE)
}
