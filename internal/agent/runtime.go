package agent

import (
	"context"
	"sync"
	"time"

	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/logging"
	"github.com/strobehq/strobe/internal/pause"
	"github.com/strobehq/strobe/internal/ringbuf"
	"github.com/strobehq/strobe/internal/sandbox"
)

// DefaultRingCapacity is the ring size when settings carry no override.
const DefaultRingCapacity = 16384

// SendFunc ships one framed message to the daemon. The transport
// underneath is interchangeable: a socket writer in a real
// deployment, a Go channel in the in-repo simulation and tests.
type SendFunc func(msg any) error

// Runtime is the whole in-target agent: the ring, the tracer, the drain
// loop, the debugger, and output capture, wired to one send channel and
// one inbound dispatch surface. HandleMessage runs on its caller's
// goroutine, the drain loop on whichever goroutine calls Run or
// DrainTick, and hook callbacks on the goroutine that fires them.
type Runtime struct {
	sessionID string
	slide     uint64

	ring     *ringbuf.Ring
	tracer   *Tracer
	drainer  *Drainer
	debugger *Debugger
	output   *OutputCapture
	mem      MemReader

	send   SendFunc
	logger *logging.Logger

	pollMu sync.Mutex
	polled []framing.RecipeWire
}

// RuntimeConfig carries everything NewRuntime needs from the injection
// site.
type RuntimeConfig struct {
	SessionID    string
	Slide        uint64
	RingCapacity uint32
	TicksToNS    float64
	Sampling     SamplingConfig
	Backend      Backend
	Mem          MemReader
	State        StateCapturer
	Send         SendFunc
	Metrics      Observer
	Logger       *logging.Logger
}

// NewRuntime assembles an agent runtime. The ring capacity is rounded up
// to the next power of two if needed.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	ringCap := uint32(1)
	for ringCap < cfg.RingCapacity {
		ringCap <<= 1
	}
	ring, err := ringbuf.New(ringCap)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	r := &Runtime{
		sessionID: cfg.SessionID,
		slide:     cfg.Slide,
		ring:      ring,
		output:    NewOutputCapture(),
		mem:       cfg.Mem,
		send:      cfg.Send,
		logger:    cfg.Logger.With("session", cfg.SessionID),
	}
	r.tracer = NewTracer(cfg.Backend, ring, NewSampler(cfg.Sampling), cfg.Metrics, cfg.TicksToNS)
	r.drainer = NewDrainer(ring, r.tracer, cfg.Mem, r, cfg.Metrics, cfg.TicksToNS)
	r.debugger = NewDebugger(cfg.SessionID, cfg.Backend, cfg.State, r)
	return r, nil
}

// Tracer exposes the hook table for tests and the self-instrumented mode.
func (r *Runtime) Tracer() *Tracer { return r.tracer }

// Debugger exposes the pause/step half.
func (r *Runtime) Debugger() *Debugger { return r.debugger }

// Ring exposes the event ring.
func (r *Runtime) Ring() *ringbuf.Ring { return r.ring }

// Run drives the drain timer until ctx is canceled: each tick drains the
// ring and re-reads any polled memory recipes into variable-snapshot
// events.
func (r *Runtime) Run(ctx context.Context, drainInterval time.Duration) {
	if drainInterval <= 0 {
		drainInterval = DefaultDrainInterval
	}
	t := time.NewTicker(drainInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.drainer.Tick()
			return
		case <-t.C:
			r.drainer.Tick()
			r.pollSnapshots()
		}
	}
}

// pollSnapshots re-executes every polled recipe and streams the values
// as variable-snapshot events.
func (r *Runtime) pollSnapshots() {
	r.pollMu.Lock()
	recipes := r.polled
	r.pollMu.Unlock()
	if len(recipes) == 0 || r.mem == nil {
		return
	}

	now := time.Now().UnixNano()
	wire := make([]framing.EventWire, 0, len(recipes))
	for _, rw := range recipes {
		recipe := &Recipe{BaseAddress: rw.BaseAddress + r.slide, ElementSize: rw.ElementSize}
		for _, s := range rw.Steps {
			recipe.Steps = append(recipe.Steps, RecipeStep{Offset: s.Offset, Deref: s.Deref})
		}
		v, err := ReadRecipe(r.mem, recipe)
		if err != nil {
			continue
		}
		wire = append(wire, framing.EventWire{
			Kind:        "variable-snapshot",
			TimestampNs: now,
			Text:        rw.Name,
			WatchValues: map[string]uint64{rw.Name: v},
		})
	}
	if len(wire) > 0 {
		r.reply(framing.EventsBatchMessage{SessionID: r.sessionID, Events: wire})
	}
}

// DrainTick performs one drain pass synchronously, for callers that own
// the timer themselves (and for deterministic tests).
func (r *Runtime) DrainTick() int { return r.drainer.Tick() }

// HandleMessage dispatches one inbound framed message from the daemon and
// sends whatever ack the shape calls for. Unknown message types are
// logged and dropped, mirroring the daemon's malformed-event policy.
func (r *Runtime) HandleMessage(msg any) {
	switch m := msg.(type) {
	case framing.InstallHooksMessage:
		r.handleInstallHooks(m)
	case framing.RemoveHooksMessage:
		r.tracer.RemoveHooks(m.FuncIDs)
		r.reply(framing.RemoveHooksAck{BatchID: m.BatchID})
	case framing.SetBreakpointMessage:
		r.handleSetBreakpoint(m)
	case framing.RemoveBreakpointMessage:
		r.debugger.RemoveBreakpoint(m.ID)
		r.reply(framing.RemoveBreakpointAck{BatchID: m.BatchID})
	case framing.ResumeMessage:
		// One-shot addresses arrive image-base-relative; the agent is
		// the only place that knows the runtime slide.
		targets := make([]uint64, len(m.OneShot))
		for i, a := range m.OneShot {
			targets[i] = a + r.slide
		}
		if err := r.debugger.Resume(m.ThreadID, targets); err != nil {
			r.logger.Warn("resume for thread with no pause entry", "thread", m.ThreadID)
		}
	case framing.SetWatchesMessage:
		r.handleSetWatches(m)
	case framing.ReadMemoryMessage:
		r.handleReadMemory(m)
	case framing.WriteMemoryMessage:
		r.handleWriteMemory(m)
	default:
		r.logger.Warn("unknown message type dropped", "msg", msg)
	}
}

func (r *Runtime) handleInstallHooks(m framing.InstallHooksMessage) {
	reqs := make([]InstallRequest, len(m.Hooks))
	for i, h := range m.Hooks {
		mode := ModeLight
		if h.Mode == framing.ModeFull {
			mode = ModeFull
		}
		reqs[i] = InstallRequest{Address: h.Address, Name: h.Name, Mode: mode}
	}
	installed, errsOut := r.tracer.InstallHooks(r.slide, reqs)

	ack := framing.InstallHooksAck{BatchID: m.BatchID, Count: len(installed)}
	for _, h := range installed {
		ack.FuncIDs = append(ack.FuncIDs, h.FuncID)
	}
	for _, err := range errsOut {
		ack.Errors = append(ack.Errors, err.Error())
	}
	r.reply(ack)
}

func (r *Runtime) handleSetBreakpoint(m framing.SetBreakpointMessage) {
	bp := &pause.Breakpoint{
		ID:              m.ID,
		Address:         m.Address + r.slide,
		Condition:       m.Condition,
		HitThreshold:    m.HitCount,
		MessageTemplate: m.Message,
	}
	if err := r.debugger.SetBreakpoint(bp); err != nil {
		r.logger.Error("set breakpoint failed", "id", m.ID, "error", err)
	}
	r.reply(framing.SetBreakpointAck{BatchID: m.BatchID})
}

// RemoveBreakpoint is invoked by the coordinator's breakpoint-remove path.
// It has no wire ack of its own; removal is covered by the request's
// session-level response.
func (r *Runtime) RemoveBreakpoint(id string) {
	r.debugger.RemoveBreakpoint(id)
}

func (r *Runtime) handleSetWatches(m framing.SetWatchesMessage) {
	ack := framing.SetWatchesAck{BatchID: m.BatchID}
	for _, ww := range m.Watches {
		w := &Watch{ID: ww.ID}
		if len(ww.FuncIDs) > 0 {
			w.FuncIDs = make(map[uint32]struct{}, len(ww.FuncIDs))
			for _, id := range ww.FuncIDs {
				w.FuncIDs[id] = struct{}{}
			}
		}
		switch {
		case ww.Recipe != nil:
			recipe := &Recipe{
				BaseAddress: ww.Recipe.BaseAddress + r.slide,
				ElementSize: ww.Recipe.ElementSize,
			}
			for _, s := range ww.Recipe.Steps {
				recipe.Steps = append(recipe.Steps, RecipeStep{Offset: s.Offset, Deref: s.Deref})
			}
			w.Recipe = recipe
		case ww.Expr != "":
			node, err := sandbox.Parse(ww.Expr)
			if err != nil {
				ack.Errors = append(ack.Errors, ww.ID+": "+err.Error())
				continue
			}
			w.Expr = node
		default:
			ack.Errors = append(ack.Errors, ww.ID+": watch carries neither recipe nor expression")
			continue
		}
		r.tracer.Watches().Add(w)
	}
	r.reply(ack)
}

func (r *Runtime) handleReadMemory(m framing.ReadMemoryMessage) {
	if m.Poll {
		r.pollMu.Lock()
		r.polled = append(r.polled, m.Recipes...)
		r.pollMu.Unlock()
		return
	}
	values := make(map[string]uint64, len(m.Recipes))
	readErrs := make(map[string]string)
	if r.mem == nil {
		for _, rw := range m.Recipes {
			readErrs[rw.Name] = "target memory not readable through this transport"
		}
		r.reply(framing.ReadMemoryResponse{BatchID: m.BatchID, Errors: readErrs})
		return
	}
	for _, rw := range m.Recipes {
		recipe := &Recipe{
			BaseAddress: rw.BaseAddress + r.slide,
			ElementSize: rw.ElementSize,
		}
		for _, s := range rw.Steps {
			recipe.Steps = append(recipe.Steps, RecipeStep{Offset: s.Offset, Deref: s.Deref})
		}
		v, err := ReadRecipe(r.mem, recipe)
		if err != nil {
			readErrs[rw.Name] = err.Error()
			continue
		}
		values[rw.Name] = v
	}
	if len(readErrs) == 0 {
		readErrs = nil
	}
	r.reply(framing.ReadMemoryResponse{BatchID: m.BatchID, Values: values, Errors: readErrs})
}

func (r *Runtime) handleWriteMemory(m framing.WriteMemoryMessage) {
	written := 0
	if w, ok := r.mem.(MemWriter); ok {
		for _, t := range m.Targets {
			if err := w.WriteMemory(t.Address, t.Bytes); err == nil {
				written++
			}
		}
	}
	r.reply(framing.WriteMemoryAck{BatchID: m.BatchID, Written: written})
}

// MemWriter extends MemReader for targets that allow writes.
type MemWriter interface {
	WriteMemory(addr uint64, data []byte) error
}

// CaptureOutput feeds one intercepted write() through the output-capture
// guard and emits the resulting stdout/stderr events.
func (r *Runtime) CaptureOutput(stream OutputStream, data []byte) {
	events := r.output.Intercept(stream, data)
	if len(events) == 0 {
		return
	}
	kind := "stdout"
	if stream == StreamStderr {
		kind = "stderr"
	}
	wire := make([]framing.EventWire, 0, len(events))
	now := time.Now().UnixNano()
	for _, ev := range events {
		text := ev.Text
		if ev.CapHit {
			text = "[output capture limit reached; further output suppressed]"
		} else if ev.Truncated {
			text += "\n[write truncated at 1 MB]"
		}
		wire = append(wire, framing.EventWire{Kind: kind, TimestampNs: now, Text: text})
	}
	r.reply(framing.EventsBatchMessage{SessionID: r.sessionID, Events: wire})
}

// EmitBatch implements EventSink: decoded ring entries become an
// events-batch message.
func (r *Runtime) EmitBatch(events []TraceEvent) {
	wire := make([]framing.EventWire, len(events))
	for i, e := range events {
		kind := "function-exit"
		if e.IsEntry {
			kind = "function-enter"
		}
		wire[i] = framing.EventWire{
			Kind:         kind,
			FuncID:       e.FuncID,
			FunctionName: e.FunctionName,
			ThreadID:     e.ThreadID,
			TimestampNs:  e.TimestampNs,
			Arg0:         e.Arg0,
			Arg1:         e.Arg1,
			ReturnValue:  e.ReturnValue,
			DurationNs:   e.DurationNs,
			WatchValues:  e.WatchValues,
			Sampled:      e.Sampled,
		}
	}
	r.reply(framing.EventsBatchMessage{SessionID: r.sessionID, Events: wire})
}

// EmitOverflow implements EventSink.
func (r *Runtime) EmitOverflow(dropped uint32) {
	r.reply(framing.OverflowMessage{SessionID: r.sessionID, Dropped: dropped})
}

// EmitPaused implements ControlSink.
func (r *Runtime) EmitPaused(m framing.PausedMessage) { r.reply(m) }

// EmitLogpoint implements ControlSink.
func (r *Runtime) EmitLogpoint(m framing.LogpointMessage) { r.reply(m) }

// EmitConditionError implements ControlSink.
func (r *Runtime) EmitConditionError(m framing.ConditionErrorMessage) { r.reply(m) }

func (r *Runtime) reply(msg any) {
	if r.send == nil {
		return
	}
	if err := r.send(msg); err != nil {
		r.logger.Error("send to daemon failed", "error", err)
	}
}

var (
	_ EventSink   = (*Runtime)(nil)
	_ ControlSink = (*Runtime)(nil)
)
