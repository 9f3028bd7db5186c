package agent

import (
	"sync"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/pause"
	"github.com/strobehq/strobe/internal/sandbox"
)

// MaxBacktraceDepth bounds the backtrace captured at a pause.
const MaxBacktraceDepth = 64

// StateCapturer is the best-effort thread-state surface the debugger needs
// at pause time: a backtrace, a locals snapshot, and the enclosing frame's
// return address. A real deployment backs this with the instrumentation
// framework's stack walker; tests back it with canned values. All three
// are allowed to return empty — a pause with no backtrace is still a
// pause.
type StateCapturer interface {
	Backtrace(threadID uint32, maxDepth int) []string
	Locals(threadID uint32) map[string]float64
	ReturnAddress(threadID uint32) uint64
}

// ControlSink receives the debugger's outbound framed messages: paused,
// logpoint, condition-error.
type ControlSink interface {
	EmitPaused(framing.PausedMessage)
	EmitLogpoint(framing.LogpointMessage)
	EmitConditionError(framing.ConditionErrorMessage)
}

// Debugger is the agent half of the pause/step controller: it owns
// the breakpoint/logpoint listeners, evaluates conditions in the sandbox,
// blocks paused threads on the receive-wait primitive, and arms one-shot
// hooks delivered by resume messages. Breakpoint listeners are separate
// subscriptions from trace hooks at the same address; the Debugger
// never touches the Tracer's tables and vice versa.
type Debugger struct {
	sessionID string
	backend   Backend
	state     StateCapturer
	sink      ControlSink

	bps     *pause.BreakpointTable
	paused  *pause.Table
	oneshot *OneShotHooks

	mu     sync.Mutex
	detach map[uint64]func() // address -> breakpoint listener detach
	refs   map[uint64]int    // address -> breakpoints sharing the listener
}

// NewDebugger builds a Debugger for one session.
func NewDebugger(sessionID string, backend Backend, state StateCapturer, sink ControlSink) *Debugger {
	return &Debugger{
		sessionID: sessionID,
		backend:   backend,
		state:     state,
		sink:      sink,
		bps:       pause.NewBreakpointTable(),
		paused:    pause.NewTable(),
		oneshot:   NewOneShotHooks(backend),
	}
}

// Breakpoints exposes the table for status reporting and tests.
func (d *Debugger) Breakpoints() *pause.BreakpointTable { return d.bps }

// Paused exposes the paused-threads table.
func (d *Debugger) Paused() *pause.Table { return d.paused }

// OneShots exposes the one-shot hook manager.
func (d *Debugger) OneShots() *OneShotHooks { return d.oneshot }

// SetBreakpoint installs bp (a logpoint when it carries a message
// template). Multiple breakpoints at one address share a single native
// listener; each keeps its own condition and hit counter.
func (d *Debugger) SetBreakpoint(bp *pause.Breakpoint) error {
	if err := d.bps.Add(bp); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs[bp.Address] > 0 {
		d.refs[bp.Address]++
		return nil
	}

	addr := bp.Address
	detach, err := d.backend.InstallListener(addr,
		func(threadID uint32, arg0, arg1 uint64) { d.onEnter(addr, threadID, arg0, arg1) },
		nil,
	)
	if err != nil {
		d.bps.Remove(bp.ID)
		return errs.Wrap("agent.set_breakpoint", errs.KindAttachFailed, err)
	}
	if d.detach == nil {
		d.detach = make(map[uint64]func())
		d.refs = make(map[uint64]int)
	}
	d.detach[addr] = detach
	d.refs[addr] = 1
	return nil
}

// RemoveBreakpoint removes a breakpoint/logpoint by id. Any thread
// currently paused on it is resumed *before* the listener is detached,
// otherwise it would block on the receive-wait forever.
func (d *Debugger) RemoveBreakpoint(id string) {
	bp, ok := d.bps.Get(id)
	if !ok {
		return
	}
	for _, p := range d.paused.ListSession(d.sessionID) {
		if p.BreakpointID == id {
			d.paused.Resume(d.sessionID, p.ThreadID, nil)
		}
	}
	d.bps.Remove(id)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs[bp.Address] == 0 {
		return
	}
	d.refs[bp.Address]--
	if d.refs[bp.Address] == 0 {
		if detach := d.detach[bp.Address]; detach != nil {
			detach()
		}
		delete(d.detach, bp.Address)
		delete(d.refs, bp.Address)
	}
}

// Resume wakes a paused thread, handing it the one-shot addresses from
// the resume message.
func (d *Debugger) Resume(threadID uint32, oneShot []uint64) error {
	return d.paused.Resume(d.sessionID, threadID, oneShot)
}

// ForceResumeAll unblocks every paused thread, used at session stop and
// connection drop so no target thread outlives its session suspended.
func (d *Debugger) ForceResumeAll() {
	d.paused.ForceResumeSession(d.sessionID)
}

// onEnter is the breakpoint listener callback, running on an arbitrary
// target thread. It walks every breakpoint/logpoint at the address in
// registration order.
func (d *Debugger) onEnter(addr uint64, threadID uint32, arg0, arg1 uint64) {
	args := []float64{float64(arg0), float64(arg1)}
	vars := d.captureLocals(threadID)

	for _, bp := range d.bps.AtAddress(addr) {
		pass, err := pause.EvalCondition(bp, args, vars)
		if err != nil {
			// A failed condition emits condition-error and does not
			// pause.
			d.sink.EmitConditionError(framing.ConditionErrorMessage{
				SessionID: d.sessionID,
				TargetID:  bp.ID,
				Err:       err.Error(),
			})
			continue
		}
		if !pass {
			continue
		}

		bp.HitCount++
		if bp.HitThreshold > 0 && bp.HitCount < bp.HitThreshold {
			continue
		}

		if bp.IsLogpoint() {
			text, err := pause.ExpandTemplate(bp.MessageTemplate, vars)
			if err != nil {
				d.sink.EmitConditionError(framing.ConditionErrorMessage{
					SessionID: d.sessionID,
					TargetID:  bp.ID,
					Err:       err.Error(),
				})
				continue
			}
			d.sink.EmitLogpoint(framing.LogpointMessage{
				SessionID:  d.sessionID,
				LogpointID: bp.ID,
				ThreadID:   threadID,
				Text:       text,
			})
			continue
		}

		d.pauseThread(bp.ID, addr, threadID, vars)
	}
}

// pauseThread captures state, announces the pause, and blocks on the
// per-thread receive-wait until a resume arrives. One-shot addresses
// carried by the resume are armed before the thread runs on.
func (d *Debugger) pauseThread(breakpointID string, addr uint64, threadID uint32, vars map[string]sandbox.Value) {
	var backtrace []string
	var retAddr uint64
	if d.state != nil {
		backtrace = d.state.Backtrace(threadID, MaxBacktraceDepth)
		retAddr = pause.StripAddressAuth(d.state.ReturnAddress(threadID))
	}
	locals := make(map[string]any, len(vars))
	for k, v := range vars {
		if v.IsString {
			locals[k] = v.Str
		} else {
			locals[k] = v.Num
		}
	}

	d.sink.EmitPaused(framing.PausedMessage{
		SessionID:     d.sessionID,
		ThreadID:      threadID,
		BreakpointID:  breakpointID,
		Address:       addr,
		Backtrace:     backtrace,
		Locals:        locals,
		ReturnAddress: retAddr,
	})

	oneShot := d.paused.Pause(pause.PausedThread{
		SessionID:     d.sessionID,
		ThreadID:      threadID,
		BreakpointID:  breakpointID,
		Backtrace:     backtrace,
		Locals:        locals,
		ReturnAddress: retAddr,
	})

	for _, target := range oneShot {
		target := target
		d.oneshot.Install(target, func(firedThread uint32) {
			// The other candidates from the same step are detached the
			// moment one fires.
			others := make([]uint64, 0, len(oneShot)-1)
			for _, o := range oneShot {
				if o != target {
					others = append(others, o)
				}
			}
			d.oneshot.DetachAll(others...)
			d.pauseThread(breakpointID, target, firedThread, d.captureLocals(firedThread))
		})
	}
}

func (d *Debugger) captureLocals(threadID uint32) map[string]sandbox.Value {
	if d.state == nil {
		return nil
	}
	raw := d.state.Locals(threadID)
	if len(raw) == 0 {
		return nil
	}
	vars := make(map[string]sandbox.Value, len(raw))
	for k, v := range raw {
		vars[k] = sandbox.Value{Num: v}
	}
	return vars
}
