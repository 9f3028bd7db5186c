// Package pause implements Strobe's pause/step controller: the
// per-thread "receive-and-wait" suspension primitive, the paused-threads
// table, and breakpoint/logpoint lifecycle. Stepping itself (built
// entirely from one-shot hooks) lives in step.go.
package pause

import (
	"sync"

	"github.com/strobehq/strobe/internal/errs"
)

// PausedThread is one suspended target thread, keyed by (session id,
// thread id).
type PausedThread struct {
	SessionID     string
	ThreadID      uint32
	BreakpointID  string
	File          string
	Line          int
	Backtrace     []string
	Locals        map[string]any
	ReturnAddress uint64
}

type pausedKey struct {
	session string
	thread  uint32
}

// resumeSignal is what a waiting thread receives from Resume: an optional
// list of one-shot hook addresses to install for stepping.
type resumeSignal struct {
	oneShot []uint64
}

// Table owns every paused-thread entry across all sessions. An entry
// exists if and only if the agent has signaled pause for that (session,
// thread) and the controller has not yet dispatched a resume.
type Table struct {
	mu      sync.RWMutex
	entries map[pausedKey]*PausedThread
	waiters map[pausedKey]chan resumeSignal
}

// NewTable builds an empty paused-threads table.
func NewTable() *Table {
	return &Table{
		entries: make(map[pausedKey]*PausedThread),
		waiters: make(map[pausedKey]chan resumeSignal),
	}
}

// Pause records a paused-thread entry and blocks the calling goroutine
// until Resume is called for the same (session, thread) — the
// receive-wait primitive. The wait is unbounded: a breakpoint means
// suspend until told to resume. It returns the
// one-shot addresses, if any, the resume carried (for stepping).
//
// The caller represents one native thread's hook callback; blocking here
// does not block any other thread's callbacks, matching a real
// cooperative-scheduler agent where this primitive releases the scheduler
// lock — in this Go implementation that property falls out for free
// because each callback already runs on its own goroutine.
func (t *Table) Pause(p PausedThread) []uint64 {
	key := pausedKey{p.SessionID, p.ThreadID}
	wait := make(chan resumeSignal, 1)

	t.mu.Lock()
	t.entries[key] = &p
	t.waiters[key] = wait
	t.mu.Unlock()

	sig := <-wait
	return sig.oneShot
}

// Resume wakes a paused thread, optionally delivering one-shot hook
// addresses for the stepping operation that triggered the resume, and
// removes its paused-threads entry — removed exactly when a matching
// resume is issued, never earlier.
func (t *Table) Resume(sessionID string, threadID uint32, oneShot []uint64) error {
	key := pausedKey{sessionID, threadID}

	t.mu.Lock()
	wait, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return errs.NewSession("pause.resume", sessionID, errs.KindInternal, "no paused thread to resume")
	}
	wait <- resumeSignal{oneShot: oneShot}
	return nil
}

// Get returns the paused-thread entry for (sessionID, threadID), if any.
func (t *Table) Get(sessionID string, threadID uint32) (PausedThread, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.entries[pausedKey{sessionID, threadID}]
	if !ok {
		return PausedThread{}, false
	}
	return *p, true
}

// ListSession returns every paused thread for a session.
func (t *Table) ListSession(sessionID string) []PausedThread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PausedThread
	for k, p := range t.entries {
		if k.session == sessionID {
			out = append(out, *p)
		}
	}
	return out
}

// ForceResumeSession resumes every paused thread in a session with no
// stepping payload, used on breakpoint removal while paused (the
// controller must resume first, then detach, or the thread remains
// blocked forever) and on connection drop / session stop.
func (t *Table) ForceResumeSession(sessionID string) {
	t.mu.Lock()
	var keys []pausedKey
	for k := range t.waiters {
		if k.session == sessionID {
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()
	for _, k := range keys {
		t.Resume(k.session, k.thread, nil)
	}
}
