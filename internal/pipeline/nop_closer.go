package pipeline

import "io"

// writerNopCloser wraps a writer the pipeline does not own, so that the
// last stage's stdout plumbing can treat it like any other io.Writer
// without ever calling Close on it.
type writerNopCloser struct {
	io.Writer
}

func (writerNopCloser) Close() error { return nil }
