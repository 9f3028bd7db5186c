// Package session implements the daemon's session coordinator: it
// spawns and attaches target processes, owns per-session and
// per-connection state, expands trace patterns through the DWARF resolver,
// ships hook batches to the agent with bounded-wait confirmation, and
// routes the agent's event stream into the store. All mutable maps live
// behind reader-writer locks that are never held across an await.
package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/strobehq/strobe/internal/dwarf"
	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/store"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusStopped  Status = "stopped"
	StatusRetained Status = "retained"
)

// HookInfo is the daemon-side record of one installed hook. Address is
// image-base-relative — the daemon never stores runtime addresses.
type HookInfo struct {
	FuncID  uint32
	Address uint64
	Name    string
	Mode    framing.HookMode
}

// PausedInfo mirrors the agent's paused-thread state daemon-side, created
// on a paused message and removed when a resume is dispatched.
type PausedInfo struct {
	ThreadID      uint32
	BreakpointID  string
	Address       uint64 // image-base-relative
	File          string
	Line          int
	Backtrace     []string
	Locals        map[string]any
	ReturnAddress uint64 // image-base-relative
}

// Session is the daemon's record of one attached target.
type Session struct {
	ID          string
	ConnID      string
	PID         int
	BinaryPath  string
	ProjectRoot string
	Language    string
	ImageBase   uint64
	Slide       uint64
	EventCap    int
	CreatedAt   time.Time

	target    Target
	worker    *worker
	confirmer *framing.Confirmer
	writer    *store.BatchWriter

	// resolverReady is closed once the DWARF parse kicked off at launch
	// finishes (successfully or not). resolver/resolverErr are written
	// exactly once, before the close.
	resolverReady chan struct{}
	resolver      *dwarf.Resolver
	resolverErr   error

	mu            sync.RWMutex
	status        Status
	retained      bool
	closed        bool
	hooks         map[uint32]HookInfo
	hooksByName   map[string][]uint32
	fullHooks     int
	watchCount    int
	bpCount       int
	lpCount       int
	breakpoints   map[string]breakpointInfo
	paused        map[uint32]PausedInfo
	eventsDropped int64
}

type breakpointInfo struct {
	id       string
	address  uint64 // image-base-relative
	file     string
	line     int
	logpoint bool
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Resolver blocks until the launch-time DWARF parse completes and returns
// it, or the parse error. The wait takes no context and has no timeout;
// it lasts until the parse finishes. A session for an interpreted-language
// target has no resolver and returns a nil one with no error.
func (s *Session) Resolver() (*dwarf.Resolver, error) {
	if s.resolverReady == nil {
		return nil, nil
	}
	<-s.resolverReady
	return s.resolver, s.resolverErr
}

// HookCount returns the number of currently installed hooks.
func (s *Session) HookCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hooks)
}

// PausedThreads lists the session's currently paused threads.
func (s *Session) PausedThreads() []PausedInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PausedInfo, 0, len(s.paused))
	for _, p := range s.paused {
		out = append(out, p)
	}
	return out
}

// GenerateID builds a session id of the form {binary-base}-{date}-{HHhMM},
// appending a numeric suffix on collision. exists reports whether a
// candidate id is already taken.
func GenerateID(binaryPath string, now time.Time, exists func(string) bool) string {
	base := filepath.Base(binaryPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	id := fmt.Sprintf("%s-%s-%02dh%02d", base, now.Format("2006-01-02"), now.Hour(), now.Minute())
	if !exists(id) {
		return id
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", id, n)
		if !exists(candidate) {
			return candidate
		}
	}
}
