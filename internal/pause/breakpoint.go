package pause

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/sandbox"
)

// MaxConditionLen and MaxMessageLen cap condition and logpoint-message
// strings at 1024/2048 chars.
const (
	MaxConditionLen = 1024
	MaxMessageLen   = 2048
)

// MaxBreakpoints and MaxLogpoints are the per-session caps.
const (
	MaxBreakpoints = 50
	MaxLogpoints   = 100
)

// Breakpoint is a breakpoint or logpoint: a string id, a resolved
// address, an optional condition, an optional hit-count threshold, and a
// running hit counter. A non-empty MessageTemplate makes this a
// logpoint.
type Breakpoint struct {
	ID              string
	Address         uint64
	Condition       string
	conditionAST    *sandbox.Node
	HitThreshold    int
	HitCount        int
	MessageTemplate string
}

// IsLogpoint reports whether b carries a message template.
func (b *Breakpoint) IsLogpoint() bool { return b.MessageTemplate != "" }

// CompileCondition parses the condition expression once at add-time so
// evaluation on the hot enter-path never re-parses.
func (b *Breakpoint) CompileCondition() error {
	if b.Condition == "" {
		return nil
	}
	if len(b.Condition) > MaxConditionLen {
		return errs.New("pause.compile_condition", errs.KindValidation, "condition exceeds 1024 characters")
	}
	n, err := sandbox.Parse(b.Condition)
	if err != nil {
		return errs.Wrap("pause.compile_condition", errs.KindValidation, err)
	}
	b.conditionAST = n
	return nil
}

// BreakpointTable owns every breakpoint/logpoint for one session, keyed
// by id. Breakpoints and logpoints share the id namespace and the table;
// what stays separate is the trace-hook table, so a breakpoint and a
// trace hook can coexist at the same address without observing each
// other.
type BreakpointTable struct {
	mu   sync.RWMutex
	byID map[string]*Breakpoint
	// byAddress supports "coexistence at the same address": multiple
	// breakpoints/logpoints, and independently any number of trace hooks,
	// may share an address.
	byAddress map[uint64][]*Breakpoint
}

// NewBreakpointTable builds an empty breakpoint/logpoint table.
func NewBreakpointTable() *BreakpointTable {
	return &BreakpointTable{byID: make(map[string]*Breakpoint), byAddress: make(map[uint64][]*Breakpoint)}
}

// Add installs bp, enforcing the cap appropriate to its kind.
func (t *BreakpointTable) Add(bp *Breakpoint) error {
	if err := bp.CompileCondition(); err != nil {
		return err
	}
	if bp.IsLogpoint() && len(bp.MessageTemplate) > MaxMessageLen {
		return errs.New("pause.add", errs.KindValidation, "logpoint message exceeds 2048 characters")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bpCount, lpCount := 0, 0
	for _, b := range t.byID {
		if b.IsLogpoint() {
			lpCount++
		} else {
			bpCount++
		}
	}
	if bp.IsLogpoint() && lpCount >= MaxLogpoints {
		return errs.New("pause.add", errs.KindValidation, "logpoint cap of 100 reached")
	}
	if !bp.IsLogpoint() && bpCount >= MaxBreakpoints {
		return errs.New("pause.add", errs.KindValidation, "breakpoint cap of 50 reached")
	}

	t.byID[bp.ID] = bp
	t.byAddress[bp.Address] = append(t.byAddress[bp.Address], bp)
	return nil
}

// Remove deletes a breakpoint/logpoint by id. Returns the removed entry
// (or nil) so the caller can decide whether a paused thread needs forced
// resuming first.
func (t *BreakpointTable) Remove(id string) *Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok := t.byID[id]
	if !ok {
		return nil
	}
	delete(t.byID, id)
	addrList := t.byAddress[bp.Address]
	for i, b := range addrList {
		if b.ID == id {
			t.byAddress[bp.Address] = append(addrList[:i], addrList[i+1:]...)
			break
		}
	}
	if len(t.byAddress[bp.Address]) == 0 {
		delete(t.byAddress, bp.Address)
	}
	return bp
}

// Get returns the breakpoint/logpoint for id.
func (t *BreakpointTable) Get(id string) (*Breakpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bp, ok := t.byID[id]
	return bp, ok
}

// AtAddress returns every breakpoint/logpoint installed at addr.
func (t *BreakpointTable) AtAddress(addr uint64) []*Breakpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Breakpoint, len(t.byAddress[addr]))
	copy(out, t.byAddress[addr])
	return out
}

// argsResolver adapts a captured-arguments snapshot into a
// sandbox.Resolver for condition/template evaluation against `args[N]`
// and named locals both.
type argsResolver struct {
	args  []float64
	vars  map[string]sandbox.Value
}

func (r *argsResolver) ResolveIdent(name string) (sandbox.Value, error) {
	if name == "args" {
		// "args" alone isn't directly usable; only args[N] is. Return a
		// zero value; ResolveIndex indexes the captured args whatever the
		// base value is.
		return sandbox.Value{}, nil
	}
	if v, ok := r.vars[name]; ok {
		return v, nil
	}
	return sandbox.Value{}, errs.New("pause.resolve", errs.KindOptimizedOut, "unknown identifier: "+name)
}

func (r *argsResolver) ResolveField(base sandbox.Value, field string) (sandbox.Value, error) {
	return sandbox.Value{}, errs.New("pause.resolve", errs.KindOptimizedOut, "field access not supported in condition context")
}

func (r *argsResolver) ResolveIndex(base, index sandbox.Value) (sandbox.Value, error) {
	i := int(index.Num)
	if i < 0 || i >= len(r.args) {
		return sandbox.Value{}, errs.New("pause.resolve", errs.KindOptimizedOut, fmt.Sprintf("args[%d] out of range", i))
	}
	return sandbox.Value{Num: r.args[i]}, nil
}

var _ sandbox.Resolver = (*argsResolver)(nil)

// EvalCondition evaluates a breakpoint's compiled condition against
// captured arguments (indexable as args[N]) and named locals. A nil
// condition always passes.
func EvalCondition(bp *Breakpoint, args []float64, vars map[string]sandbox.Value) (bool, error) {
	if bp.conditionAST == nil {
		return true, nil
	}
	v, err := sandbox.Eval(bp.conditionAST, &argsResolver{args: args, vars: vars})
	if err != nil {
		return false, err
	}
	return v.Num != 0 || (v.IsString && v.Str != ""), nil
}

// placeholderRe extracts "{expr}" placeholders from a logpoint message
// template. Deliberately a literal substring extraction, never a general
// format-string with attribute traversal, which would allow expression
// injection.
var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

// ExpandTemplate substitutes each {expr} placeholder in tmpl with the
// sandboxed evaluation of expr against vars.
func ExpandTemplate(tmpl string, vars map[string]sandbox.Value) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		expr := match[1 : len(match)-1]
		node, err := sandbox.Parse(expr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		v, err := sandbox.Eval(node, &templateResolver{vars: vars})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		if v.IsString {
			return v.Str
		}
		return fmt.Sprintf("%g", v.Num)
	})
	return out, firstErr
}

type templateResolver struct {
	vars map[string]sandbox.Value
}

func (r *templateResolver) ResolveIdent(name string) (sandbox.Value, error) {
	if v, ok := r.vars[name]; ok {
		return v, nil
	}
	return sandbox.Value{}, errs.New("pause.template", errs.KindOptimizedOut, "unknown identifier: "+name)
}

func (r *templateResolver) ResolveField(base sandbox.Value, field string) (sandbox.Value, error) {
	return sandbox.Value{}, errs.New("pause.template", errs.KindOptimizedOut, "field access not supported in template context")
}

func (r *templateResolver) ResolveIndex(base, index sandbox.Value) (sandbox.Value, error) {
	return sandbox.Value{}, errs.New("pause.template", errs.KindOptimizedOut, "index access not supported in template context")
}

var _ sandbox.Resolver = (*templateResolver)(nil)
