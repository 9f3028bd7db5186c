package agent

import (
	"sync"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/sandbox"
)

// RecipeStep is one (offset, deref?) hop in a compiled address-based watch,
// mirroring the resolver's WatchRecipe: base address plus an ordered
// deref chain. The agent only ever executes a recipe it is handed — it
// never re-derives one from DWARF, that's the daemon's job.
type RecipeStep struct {
	Offset int64
	Deref  bool
}

// TypeKind mirrors the resolver's type_table kind enumeration, just enough
// for the agent to know how many bytes to read and how to format them.
type TypeKind int

const (
	KindInt TypeKind = iota
	KindUint
	KindFloat
	KindPointer
	KindStruct
	KindEnum
	KindArray
)

// Recipe is a compiled address-based watch. The agent decodes up to
// MaxRecipeSteps reads from fixed memory locations per watch.
type Recipe struct {
	BaseAddress uint64
	Steps       []RecipeStep
	ElementSize int
	Kind        TypeKind
}

// MaxRecipeSteps is the hard cap on deref chain length.
const MaxRecipeSteps = 4

// MemReader is the narrow surface the agent needs against the target's
// address space to execute a Recipe or resolve a sandbox identifier
// in-target. A real deployment backs this with the instrumentation
// framework's read-memory primitive; tests back it with a plain map.
type MemReader interface {
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// Watch is one installed watch. Exactly one of Recipe or Expr is set.
type Watch struct {
	ID     string
	Recipe *Recipe
	Expr   *sandbox.Node

	// FuncIDs is the resolved set of func-ids this watch fires on,
	// computed once at install time from the caller's pattern set. A nil
	// map means global: the watch fires on every hook regardless of
	// func-id.
	FuncIDs map[uint32]struct{}
}

// AppliesTo reports whether this watch should fire for an event from
// funcID.
func (w *Watch) AppliesTo(funcID uint32) bool {
	if w.FuncIDs == nil {
		return true
	}
	_, ok := w.FuncIDs[funcID]
	return ok
}

// WatchTable owns every watch installed for one session, keyed by id.
// Modified only by the single agent thread processing install/remove
// requests from the coordinator, the same ownership rule the hook table
// follows.
type WatchTable struct {
	mu      sync.RWMutex
	byID    map[string]*Watch
	maxSize int
}

// NewWatchTable builds an empty table. The coordinator enforces the
// 32-per-session cap before ever asking the agent to install one, so the
// table itself accepts whatever it is handed.
func NewWatchTable() *WatchTable {
	return &WatchTable{byID: make(map[string]*Watch)}
}

// Add installs w, replacing any prior watch with the same id.
func (t *WatchTable) Add(w *Watch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[w.ID] = w
}

// Remove deletes a watch by id. Removing an unknown id is a no-op, matching
// the hook table's "dangling ids never fire again" philosophy.
func (t *WatchTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// Len reports the number of installed watches.
func (t *WatchTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// ForFuncID returns every watch that applies to funcID, in no particular
// order, for the drain loop to attach to an emitted event's watch channel.
func (t *WatchTable) ForFuncID(funcID uint32) []*Watch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Watch
	for _, w := range t.byID {
		if w.AppliesTo(funcID) {
			out = append(out, w)
		}
	}
	return out
}

// ReadRecipe executes an address-based watch against mem, walking the
// deref chain from the base address. Each Deref step reads a
// pointer-sized value at the current address and follows it before
// applying the next offset, then the final element is read at the
// resolved location.
func ReadRecipe(mem MemReader, r *Recipe) (uint64, error) {
	if len(r.Steps) > MaxRecipeSteps {
		return 0, errs.New("agent.read_recipe", errs.KindValidation, "deref depth exceeds cap")
	}
	addr := r.BaseAddress
	for _, step := range r.Steps {
		addr = uint64(int64(addr) + step.Offset)
		if step.Deref {
			buf, err := mem.ReadMemory(addr, 8)
			if err != nil {
				return 0, errs.Wrap("agent.read_recipe", errs.KindOptimizedOut, err)
			}
			addr = leUint64(buf)
		}
	}
	buf, err := mem.ReadMemory(addr, r.ElementSize)
	if err != nil {
		return 0, errs.Wrap("agent.read_recipe", errs.KindOptimizedOut, err)
	}
	return leUintN(buf), nil
}

func leUint64(b []byte) uint64 { return leUintN(b) }

func leUintN(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// memResolver adapts a local-variable snapshot into a sandbox.Resolver,
// so expression watches, breakpoint conditions, and logpoint templates
// all share the same evaluator. Identifiers resolve against the snapshot
// (captured arguments/locals at the point of the hook firing). A field
// access looks the field name up in the same snapshot, ignoring the base
// value; indexed access always returns an error. No target memory is
// read.
type memResolver struct {
	vars map[string]sandbox.Value
}

func newMemResolver(vars map[string]sandbox.Value) *memResolver {
	return &memResolver{vars: vars}
}

func (r *memResolver) ResolveIdent(name string) (sandbox.Value, error) {
	if v, ok := r.vars[name]; ok {
		return v, nil
	}
	return sandbox.Value{}, errs.New("sandbox.resolve", errs.KindOptimizedOut, "unknown identifier: "+name)
}

func (r *memResolver) ResolveField(base sandbox.Value, field string) (sandbox.Value, error) {
	key := field
	if v, ok := r.vars[key]; ok {
		return v, nil
	}
	return sandbox.Value{}, errs.New("sandbox.resolve", errs.KindOptimizedOut, "unknown field: "+field)
}

func (r *memResolver) ResolveIndex(base, index sandbox.Value) (sandbox.Value, error) {
	return sandbox.Value{}, errs.New("sandbox.resolve", errs.KindOptimizedOut, "indexed access not available in this snapshot")
}

// EvalExpr evaluates an expression watch/condition/template placeholder
// against a captured variable snapshot.
func EvalExpr(n *sandbox.Node, vars map[string]sandbox.Value) (sandbox.Value, error) {
	return sandbox.Eval(n, newMemResolver(vars))
}

var _ sandbox.Resolver = (*memResolver)(nil)
