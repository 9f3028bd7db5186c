package agent

import "sync"

// OutputCapPerSession is the per-session output cap: 50 MB of captured
// stdout/stderr text total.
const OutputCapPerSession = 50 * 1024 * 1024

// SingleWriteCap is the per-write truncation threshold: any single
// write larger than 1 MB is truncated with an explanatory sentinel.
const SingleWriteCap = 1 * 1024 * 1024

// OutputStream identifies which file descriptor a captured write targeted.
type OutputStream int

const (
	StreamStdout OutputStream = iota
	StreamStderr
)

// OutputEvent is what the interceptor hands to the emitter for each
// captured write (or sentinel).
type OutputEvent struct {
	Stream    OutputStream
	Text      string
	Truncated bool
	CapHit    bool
}

// OutputCapture intercepts the platform's write() (or equivalent) with a
// re-entrancy guard: emitting the captured event itself may call write()
// again through the framing channel, so further interception is skipped
// while already inside the interceptor. The mutex also covers the
// running byte total, which hook callbacks on other threads never touch
// — in practice the interceptor runs on the agent's own thread.
type OutputCapture struct {
	mu          sync.Mutex
	inProgress  bool
	capturedLen int
	capHit      bool
}

// NewOutputCapture builds an idle capture tracker.
func NewOutputCapture() *OutputCapture {
	return &OutputCapture{}
}

// Intercept is called by the installed write() hook with the raw bytes a
// target thread is about to write. It returns the OutputEvent(s) to emit,
// or nil if interception should be skipped (re-entrant call, or the cap was
// already hit and this write contributes nothing further).
func (c *OutputCapture) Intercept(stream OutputStream, data []byte) []OutputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inProgress {
		return nil
	}
	c.inProgress = true
	defer func() { c.inProgress = false }()

	if c.capHit {
		return nil
	}

	text := data
	truncated := false
	if len(text) > SingleWriteCap {
		text = text[:SingleWriteCap]
		truncated = true
	}

	var events []OutputEvent
	remaining := OutputCapPerSession - c.capturedLen
	if remaining <= 0 {
		c.capHit = true
		return []OutputEvent{{Stream: stream, CapHit: true}}
	}
	if len(text) > remaining {
		text = text[:remaining]
		truncated = true
	}
	c.capturedLen += len(text)

	events = append(events, OutputEvent{Stream: stream, Text: string(text), Truncated: truncated})
	if c.capturedLen >= OutputCapPerSession {
		c.capHit = true
		events = append(events, OutputEvent{Stream: stream, CapHit: true})
	}
	return events
}
