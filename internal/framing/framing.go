// Package framing defines the daemon<->agent message protocol and
// the bounded-wait confirmation primitive requests use to learn the
// outcome of a batch sent to the agent. Every message shape here is a
// plain JSON-serializable struct; the transport underneath (a real
// dynamic-instrumentation framework's message channel, or — for this
// module's self-instrumented test-target mode — a Go channel) is
// interchangeable.
package framing

import (
	"context"
	"sync"
	"time"

	"github.com/strobehq/strobe/internal/errs"
)

// HookMode is a hook's capture depth on the wire.
type HookMode string

const (
	ModeFull  HookMode = "full"
	ModeLight HookMode = "light"
)

// InstallHookReq is one entry of an install-hooks batch.
type InstallHookReq struct {
	Address uint64   `json:"address"` // image-base-relative
	Name    string   `json:"name"`
	Mode    HookMode `json:"mode"`
}

// InstallHooksMessage is the full install-hooks request.
type InstallHooksMessage struct {
	BatchID string           `json:"batch_id"`
	Hooks   []InstallHookReq `json:"hooks"`
}

// InstallHooksAck is the ack with final installed count.
type InstallHooksAck struct {
	BatchID  string   `json:"batch_id"`
	Count    int      `json:"count"`
	FuncIDs  []uint32 `json:"func_ids"`
	Errors   []string `json:"errors,omitempty"`
}

// RemoveHooksMessage removes hooks by func-id.
type RemoveHooksMessage struct {
	BatchID string   `json:"batch_id"`
	FuncIDs []uint32 `json:"func_ids"`
}

// RemoveHooksAck acknowledges a remove-hooks request.
type RemoveHooksAck struct {
	BatchID string `json:"batch_id"`
}

// SetBreakpointMessage installs a breakpoint or logpoint (shared shape;
// Message non-empty marks it a logpoint).
type SetBreakpointMessage struct {
	BatchID   string `json:"batch_id"`
	ID        string `json:"id"`
	Address   uint64 `json:"address"`
	Condition string `json:"condition,omitempty"`
	HitCount  int    `json:"hit_count,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SetBreakpointAck acknowledges a set-breakpoint/set-logpoint request.
type SetBreakpointAck struct {
	BatchID string `json:"batch_id"`
}

// ResumeMessage resumes a paused thread, optionally installing one-shot
// hooks for stepping. No ack is required; the wake itself is the effect.
type ResumeMessage struct {
	ThreadID  uint32   `json:"thread_id"`
	OneShot   []uint64 `json:"one_shot,omitempty"`
}

// RemoveBreakpointMessage removes a breakpoint/logpoint by id. The agent
// resumes any thread paused on it before detaching the listener, so no
// target thread is left stranded in the receive-wait.
type RemoveBreakpointMessage struct {
	BatchID string `json:"batch_id"`
	ID      string `json:"id"`
}

// RemoveBreakpointAck acknowledges a remove-breakpoint request.
type RemoveBreakpointAck struct {
	BatchID string `json:"batch_id"`
}

// RecipeStepWire is one hop of a compiled watch recipe on the wire.
type RecipeStepWire struct {
	Offset int64 `json:"offset"`
	Deref  bool  `json:"deref"`
}

// RecipeWire is a compiled read recipe: base address + deref chain +
// element size. Addresses are image-base-relative; the agent adds the
// slide.
type RecipeWire struct {
	Name        string           `json:"name"` // the variable expression this was compiled from
	BaseAddress uint64           `json:"base_address"`
	Steps       []RecipeStepWire `json:"steps,omitempty"`
	ElementSize int              `json:"element_size"`
}

// WatchWire is one watch to install: exactly one of Recipe
// (address-based) or Expr (agent-evaluated text expression) is set.
// FuncIDs is the resolved contextualization set; empty means
// global.
type WatchWire struct {
	ID      string      `json:"id"`
	Recipe  *RecipeWire `json:"recipe,omitempty"`
	Expr    string      `json:"expr,omitempty"`
	FuncIDs []uint32    `json:"func_ids,omitempty"`
}

// SetWatchesMessage installs a batch of watches.
type SetWatchesMessage struct {
	BatchID string      `json:"batch_id"`
	Watches []WatchWire `json:"watches"`
}

// SetWatchesAck acknowledges a set-watches request.
type SetWatchesAck struct {
	BatchID string   `json:"batch_id"`
	Errors  []string `json:"errors,omitempty"`
}

// ReadMemoryMessage requests a memory read, either immediate or polled
//. With Poll set, the agent re-reads on its drain interval and
// emits variable-snapshot events instead of a single response.
type ReadMemoryMessage struct {
	BatchID string       `json:"batch_id"`
	Recipes []RecipeWire `json:"recipes"`
	Poll    bool         `json:"poll"`
}

// ReadMemoryResponse is the immediate read-response.
type ReadMemoryResponse struct {
	BatchID string            `json:"batch_id"`
	Values  map[string]uint64 `json:"values"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// WriteMemoryTarget is one write-memory target.
type WriteMemoryTarget struct {
	Address uint64 `json:"address"`
	Bytes   []byte `json:"bytes"`
}

// WriteMemoryMessage requests writes to target memory.
type WriteMemoryMessage struct {
	BatchID string              `json:"batch_id"`
	Targets []WriteMemoryTarget `json:"targets"`
}

// WriteMemoryAck acknowledges a write-memory request.
type WriteMemoryAck struct {
	BatchID string `json:"batch_id"`
	Written int    `json:"written"`
}

// EventWire is one trace/output event inside an events-batch message. Kind
// uses the store's event-kind strings so the coordinator can commit a
// batch without re-mapping.
type EventWire struct {
	Kind         string            `json:"kind"`
	FuncID       uint32            `json:"func_id,omitempty"`
	FunctionName string            `json:"function_name,omitempty"`
	ThreadID     uint32            `json:"thread_id"`
	TimestampNs  int64             `json:"timestamp_ns"`
	Arg0         uint64            `json:"arg0,omitempty"`
	Arg1         uint64            `json:"arg1,omitempty"`
	ReturnValue  uint64            `json:"return_value,omitempty"`
	DurationNs   int64             `json:"duration_ns,omitempty"`
	Text         string            `json:"text,omitempty"`
	WatchValues  map[string]uint64 `json:"watch_values,omitempty"`
	Sampled      bool              `json:"sampled,omitempty"`
}

// EventsBatchMessage carries one drain tick's worth of events from the
// agent to the coordinator.
type EventsBatchMessage struct {
	SessionID string      `json:"session_id"`
	Events    []EventWire `json:"events"`
}

// PausedMessage is sent by the agent when a thread pauses on a breakpoint
//.
type PausedMessage struct {
	SessionID     string         `json:"session_id"`
	ThreadID      uint32         `json:"thread_id"`
	BreakpointID  string         `json:"breakpoint_id"`
	Address       uint64         `json:"address"` // runtime address; the daemon subtracts the slide before line lookup
	File          string         `json:"file"`
	Line          int            `json:"line"`
	Backtrace     []string       `json:"backtrace"`
	Locals        map[string]any `json:"locals"`
	ReturnAddress uint64         `json:"return_address"`
}

// LogpointMessage is sent by the agent when a logpoint fires.
type LogpointMessage struct {
	SessionID    string `json:"session_id"`
	LogpointID   string `json:"logpoint_id"`
	ThreadID     uint32 `json:"thread_id"`
	Text         string `json:"text"`
}

// ConditionErrorMessage is sent when a breakpoint/logpoint condition
// fails to evaluate.
type ConditionErrorMessage struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
	Err       string `json:"err"`
}

// OverflowMessage reports ring-buffer overflow.
type OverflowMessage struct {
	SessionID string `json:"session_id"`
	Dropped   uint32 `json:"dropped"`
}

// CrashMessage reports target process termination by signal/fault.
type CrashMessage struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// DefaultConfirmTimeout is the bounded wait for agent confirmations.
const DefaultConfirmTimeout = 5 * time.Second

// Confirmer is a bounded-wait named channel indexed by batch id,
// used by both install-hooks and any other request that expects an ack.
// A timeout returns a session-level error without corrupting state: the
// caller never learns the batch succeeded, but whatever the agent did
// complete stands (there is no transactional rollback across the wire).
type Confirmer struct {
	mu      sync.Mutex
	pending map[string]chan any
}

// NewConfirmer builds an empty Confirmer.
func NewConfirmer() *Confirmer {
	return &Confirmer{pending: make(map[string]chan any)}
}

// Register opens a wait slot for batchID. Call Await to block on it and
// Deliver (from the transport's receive loop) to satisfy it.
func (c *Confirmer) Register(batchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[batchID] = make(chan any, 1)
}

// Deliver satisfies a pending Await for batchID with ack, whether the
// Await is already waiting or starts later. A Deliver for an
// unregistered or already-satisfied batchID is silently dropped (the
// waiter already timed out or was never interested).
func (c *Confirmer) Deliver(batchID string, ack any) {
	c.mu.Lock()
	ch, ok := c.pending[batchID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}

// Await blocks until Deliver(batchID, ...) is called or timeout elapses;
// an ack delivered before Await is returned at once. The slot is removed
// when Await returns.
func (c *Confirmer) Await(ctx context.Context, batchID string, timeout time.Duration) (any, error) {
	c.mu.Lock()
	ch, ok := c.pending[batchID]
	c.mu.Unlock()
	if !ok {
		return nil, errs.New("framing.await", errs.KindInternal, "no pending confirmation registered for batch "+batchID)
	}

	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		c.mu.Lock()
		delete(c.pending, batchID)
		c.mu.Unlock()
		return ack, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, batchID)
		c.mu.Unlock()
		return nil, errs.New("framing.await", errs.KindTimeout, "agent did not confirm batch "+batchID+" within "+timeout.String())
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, batchID)
		c.mu.Unlock()
		return nil, errs.Wrap("framing.await", errs.KindTimeout, ctx.Err())
	}
}
