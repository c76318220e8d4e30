package pipeline

// Event represents anything noteworthy that happened while running a
// stage: a failed spawn, a non-zero reap, an error copying bridged
// stdin/stdout. It is delivered to the pipeline's event handler, if one was
// installed with WithEventHandler.
type Event struct {
	RunID   string
	Stage   string
	Msg     string
	Err     error
	Context map[string]any
}

var emptyEventHandler = func(e *Event) {}
