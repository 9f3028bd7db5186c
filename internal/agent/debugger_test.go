package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/pause"
)

// controlCollector records the debugger's outbound messages.
type controlCollector struct {
	mu        sync.Mutex
	paused    []framing.PausedMessage
	logpoints []framing.LogpointMessage
	condErrs  []framing.ConditionErrorMessage
}

func (c *controlCollector) EmitPaused(m framing.PausedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = append(c.paused, m)
}

func (c *controlCollector) EmitLogpoint(m framing.LogpointMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logpoints = append(c.logpoints, m)
}

func (c *controlCollector) EmitConditionError(m framing.ConditionErrorMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.condErrs = append(c.condErrs, m)
}

func (c *controlCollector) pausedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paused)
}

// fakeState supplies canned thread state.
type fakeState struct {
	locals map[string]float64
	ret    uint64
}

func (f *fakeState) Backtrace(uint32, int) []string { return []string{"frame0", "frame1"} }
func (f *fakeState) Locals(uint32) map[string]float64 {
	return f.locals
}
func (f *fakeState) ReturnAddress(uint32) uint64 { return f.ret }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestBreakpointPausesAndResumes(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{ret: 0x900}, sink)

	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{ID: "bp1", Address: 0x400}))

	done := make(chan struct{})
	go func() {
		backend.Call(0x400, 7, 0, 0, 0)
		close(done)
	}()

	waitFor(t, func() bool { return sink.pausedCount() == 1 })
	_, paused := d.Paused().Get("sess", 7)
	assert.True(t, paused, "paused-threads entry exists while suspended")

	select {
	case <-done:
		t.Fatal("thread ran past the breakpoint without a resume")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, d.Resume(7, nil))
	<-done
	_, paused = d.Paused().Get("sess", 7)
	assert.False(t, paused, "entry removed exactly when resume is issued")
}

func TestBreakpointConditionGates(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{}, sink)

	// Conditional breakpoint: pause only when args[0] > 3.
	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{
		ID:        "bp1",
		Address:   0x400,
		Condition: "args[0] > 3",
	}))

	var wg sync.WaitGroup
	for n := uint64(1); n <= 5; n++ {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			backend.Call(0x400, uint32(n), n, 0, 0)
		}()
	}

	waitFor(t, func() bool { return sink.pausedCount() == 2 })
	for _, tid := range []uint32{4, 5} {
		d.Resume(tid, nil)
	}
	wg.Wait()
	assert.Equal(t, 2, sink.pausedCount(), "exactly n=4 and n=5 pause")
}

func TestConditionErrorDoesNotPause(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{}, sink)

	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{
		ID:        "bp1",
		Address:   0x400,
		Condition: "nosuchvar > 3",
	}))

	backend.Call(0x400, 1, 0, 0, 0) // returns: no pause happened

	assert.Len(t, sink.condErrs, 1)
	assert.Zero(t, sink.pausedCount())
}

func TestHitCountThreshold(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{}, sink)

	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{
		ID:           "bp1",
		Address:      0x400,
		HitThreshold: 3,
	}))

	backend.Call(0x400, 1, 0, 0, 0)
	backend.Call(0x400, 1, 0, 0, 0)
	assert.Zero(t, sink.pausedCount())

	done := make(chan struct{})
	go func() {
		backend.Call(0x400, 1, 0, 0, 0)
		close(done)
	}()
	waitFor(t, func() bool { return sink.pausedCount() == 1 })
	d.Resume(1, nil)
	<-done
}

func TestLogpointEmitsWithoutPausing(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{locals: map[string]float64{"n": 42}}, sink)

	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{
		ID:              "lp1",
		Address:         0x400,
		MessageTemplate: "n is {n}",
	}))

	backend.Call(0x400, 1, 0, 0, 0) // returns immediately: logpoints never pause

	require.Len(t, sink.logpoints, 1)
	assert.Equal(t, "n is 42", sink.logpoints[0].Text)
	assert.Zero(t, sink.pausedCount())
}

func TestRemoveBreakpointResumesFirst(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{}, sink)

	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{ID: "bp1", Address: 0x400}))

	done := make(chan struct{})
	go func() {
		backend.Call(0x400, 7, 0, 0, 0)
		close(done)
	}()
	waitFor(t, func() bool { return sink.pausedCount() == 1 })

	// Removal drains the paused thread out of the receive-wait before
	// detaching, so the target thread is never stranded.
	d.RemoveBreakpoint("bp1")
	<-done
	assert.Equal(t, 0, backend.ListenerCount(0x400))
	_, ok := d.Breakpoints().Get("bp1")
	assert.False(t, ok)
}

func TestResumeWithOneShotSteps(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{}, sink)

	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{ID: "bp1", Address: 0x400}))

	done := make(chan struct{})
	go func() {
		backend.Call(0x400, 7, 0, 0, 0)
		close(done)
	}()
	waitFor(t, func() bool { return sink.pausedCount() == 1 })

	// Resume with two step candidates, step-over style.
	require.NoError(t, d.Resume(7, []uint64{0x500, 0x600}))
	<-done
	waitFor(t, func() bool { return d.OneShots().Armed() == 2 })

	// First candidate fires: new pause, the other candidate detached.
	stepDone := make(chan struct{})
	go func() {
		backend.Call(0x500, 7, 0, 0, 0)
		close(stepDone)
	}()
	waitFor(t, func() bool { return sink.pausedCount() == 2 })
	assert.Equal(t, 0, d.OneShots().Armed(), "no one-shots survive the step")

	d.Resume(7, nil)
	<-stepDone
	// The second candidate was detached; calling it pauses nothing.
	backend.Call(0x600, 7, 0, 0, 0)
	assert.Equal(t, 2, sink.pausedCount())
}

func TestBreakpointsCoexistAtSameAddress(t *testing.T) {
	backend := NewSimBackend()
	sink := &controlCollector{}
	d := NewDebugger("sess", backend, &fakeState{}, sink)

	// A trace listener and a breakpoint listener at one address are
	// independent subscriptions.
	traceFired := 0
	backend.InstallListener(0x400, func(uint32, uint64, uint64) { traceFired++ }, nil)
	require.NoError(t, d.SetBreakpoint(&pause.Breakpoint{
		ID: "lp1", Address: 0x400, MessageTemplate: "hit",
	}))

	backend.Call(0x400, 1, 0, 0, 0)
	assert.Equal(t, 1, traceFired)
	assert.Len(t, sink.logpoints, 1)

	d.RemoveBreakpoint("lp1")
	backend.Call(0x400, 1, 0, 0, 0)
	assert.Equal(t, 2, traceFired, "removing the breakpoint leaves the trace listener")
}
