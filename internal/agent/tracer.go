// Package agent implements the in-target half of Strobe: hook
// installation/removal, watch capture, adaptive sampling, output-capture
// interception, and the ring-buffer hot path that backs all of it. It is
// designed to run as a single-threaded cooperative scheduler cohabiting
// with the target's own native threads — the only true parallelism here
// is among hook callbacks running on arbitrary target threads, all of
// which end at Ring.Publish.
package agent

import (
	"sync"
	"time"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/ringbuf"
)

// Mode classifies a hook's capture depth.
type Mode int

const (
	// ModeLight captures only enter/exit timestamps and duration.
	ModeLight Mode = iota
	// ModeFull captures arguments, return value, and watches.
	ModeFull
)

// maxFuncID leaves room for the mode bit packed alongside the func-id in
// the ring entry without overflowing on a signed shift.
const maxFuncID = 1 << 30

// Hook is one installed instrumentation point.
type Hook struct {
	FuncID  uint32
	Address uint64 // runtime address: daemon's image-base-relative address + slide
	Name    string
	Mode    Mode
}

// InstallRequest names one hook to install, as shipped by the coordinator
// in an install-hooks message. Address is image-base-relative; the
// agent adds the runtime slide before installing.
type InstallRequest struct {
	Address uint64
	Name    string
	Mode    Mode
}

// Backend is the native-instrumentation surface the agent drives. A real
// deployment backs this with the platform's dynamic-instrumentation
// framework; tests and the in-repo simulation back it with a fake that
// just calls the given callbacks directly. The domain logic in this
// package never talks to the instrumentation framework directly, only
// through this interface.
type Backend interface {
	// InstallListener installs a native intercept at addr and returns a
	// detach function. onEnter/onExit are invoked on arbitrary native
	// threads with the function's captured arguments/return value.
	InstallListener(addr uint64, onEnter func(threadID uint32, arg0, arg1 uint64), onExit func(threadID uint32, retVal uint64)) (detach func(), err error)
}

// Tracer owns the hook table, the ring buffer, and the sampler for one
// attached target process. It is not safe for concurrent install/remove
// calls — writes to the agent for a given session are serialized by the
// coordinator's per-session worker, so the tracer itself
// only needs to protect the hook table against concurrent *lookups* from
// hook callbacks running on native threads while an install/remove is in
// flight.
type Tracer struct {
	backend Backend
	ring    *ringbuf.Ring
	sampler *Sampler
	metrics Observer
	clock   func() time.Time

	// ticksToNS converts the producer's monotonic counter to nanoseconds;
	// obtained once at startup from the platform timebase.
	ticksToNS float64

	mu          sync.RWMutex
	nextFuncID  uint32
	byFuncID    map[uint32]*Hook
	byAddress   map[uint64][]*Hook // multiple hooks may share an address only in theory; trace hooks are keyed uniquely in practice
	detach      map[uint32]func()
	watches     *WatchTable
}

// NewTracer builds a Tracer bound to backend, publishing into ring, sampled
// per sampler, reporting through metrics (NoOpObserver if nil).
func NewTracer(backend Backend, ring *ringbuf.Ring, sampler *Sampler, metrics Observer, ticksToNS float64) *Tracer {
	if metrics == nil {
		metrics = NoOpObserver{}
	}
	return &Tracer{
		backend:   backend,
		ring:      ring,
		sampler:   sampler,
		metrics:   metrics,
		clock:     time.Now,
		ticksToNS: ticksToNS,
		byFuncID:  make(map[uint32]*Hook),
		byAddress: make(map[uint64][]*Hook),
		detach:    make(map[uint32]func()),
		watches:   NewWatchTable(),
	}
}

// InstallHooks installs a batch of hooks. Partial failure within a batch
// does not roll back hooks already installed in the same call — each
// install is independent, the same policy the coordinator applies across
// batches, applied here within one.
func (t *Tracer) InstallHooks(slide uint64, reqs []InstallRequest) ([]*Hook, []error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	installed := make([]*Hook, 0, len(reqs))
	var errsOut []error
	for _, req := range reqs {
		if t.nextFuncID >= maxFuncID {
			errsOut = append(errsOut, errs.New("agent.install_hook", errs.KindInternal, "func-id space exhausted for this session"))
			continue
		}
		funcID := t.nextFuncID
		t.nextFuncID++

		addr := req.Address + slide
		h := &Hook{FuncID: funcID, Address: addr, Name: req.Name, Mode: req.Mode}

		detach, err := t.backend.InstallListener(addr,
			func(threadID uint32, arg0, arg1 uint64) { t.onEnter(h, threadID, arg0, arg1) },
			func(threadID uint32, retVal uint64) { t.onExit(h, threadID, retVal) },
		)
		if err != nil {
			errsOut = append(errsOut, errs.Wrap("agent.install_hook", errs.KindAttachFailed, err))
			continue
		}

		t.byFuncID[funcID] = h
		t.byAddress[addr] = append(t.byAddress[addr], h)
		t.detach[funcID] = detach
		installed = append(installed, h)
	}
	return installed, errsOut
}

// RemoveHooks removes hooks by func-id. Dangling func-ids (already
// removed, or never installed) are silently ignored — they simply
// never fire again, which is also true of a func-id that was never valid.
func (t *Tracer) RemoveHooks(funcIDs []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range funcIDs {
		h, ok := t.byFuncID[id]
		if !ok {
			continue
		}
		if detach, ok := t.detach[id]; ok {
			detach()
		}
		delete(t.detach, id)
		delete(t.byFuncID, id)
		t.sampler.Reset(id)

		addrHooks := t.byAddress[h.Address]
		for i, hh := range addrHooks {
			if hh.FuncID == id {
				t.byAddress[h.Address] = append(addrHooks[:i], addrHooks[i+1:]...)
				break
			}
		}
		if len(t.byAddress[h.Address]) == 0 {
			delete(t.byAddress, h.Address)
		}
	}
}

// Lookup returns the hook for a func-id, used by the drain loop to
// recover function identity from a decoded ring entry.
func (t *Tracer) Lookup(funcID uint32) (*Hook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.byFuncID[funcID]
	return h, ok
}

// Watches exposes the watch table for installation/removal by the session
// coordinator's request handlers.
func (t *Tracer) Watches() *WatchTable { return t.watches }

func (t *Tracer) onEnter(h *Hook, threadID uint32, arg0, arg1 uint64) {
	start := t.clock()
	admit, sampled := t.sampler.Admit(h.FuncID, start)

	if admit {
		e := ringbuf.Entry{
			FuncIDPacked:  ringbuf.EncodeFuncID(h.FuncID, h.Mode == ModeFull),
			ThreadID:      threadID,
			TimestampTick: uint64(start.UnixNano()),
			IsEntry:       true,
			Sampled:       sampled,
		}
		if h.Mode == ModeFull {
			e.EnterArg0 = arg0
			e.EnterArg1 = arg1
		}
		t.ring.Publish(e)
	}

	t.metrics.ObserveEnter(sampled, uint64(t.clock().Sub(start)))
}

func (t *Tracer) onExit(h *Hook, threadID uint32, retVal uint64) {
	start := t.clock()
	admit, sampled := t.sampler.Admit(h.FuncID, start)

	if admit {
		e := ringbuf.Entry{
			FuncIDPacked:  ringbuf.EncodeFuncID(h.FuncID, h.Mode == ModeFull),
			ThreadID:      threadID,
			TimestampTick: uint64(start.UnixNano()),
			IsEntry:       false,
			Sampled:       sampled,
		}
		if h.Mode == ModeFull {
			e.ReturnValue = retVal
		}
		t.ring.Publish(e)
	}

	t.metrics.ObserveExit(sampled, uint64(t.clock().Sub(start)))
}

// ClassifyMode decides a hook batch's capture depth: a user hint of
// "full" is honored unless the pattern matched more functions than
// fullModeCap, in which case it auto-downgrades to light with a
// caller-visible warning.
func ClassifyMode(hintFull bool, matchCount, fullModeCap int) (mode Mode, downgraded bool) {
	if !hintFull {
		return ModeLight, false
	}
	if matchCount > fullModeCap {
		return ModeLight, true
	}
	return ModeFull, false
}

func (m Mode) String() string {
	if m == ModeFull {
		return "full"
	}
	return "light"
}
