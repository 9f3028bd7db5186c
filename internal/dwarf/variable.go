package dwarf

import (
	"strconv"
	"strings"

	"github.com/strobehq/strobe/internal/errs"
)

// MaxExprLen and MaxDerefDepth cap variable expressions: length <= 256
// characters, total deref depth <= 4.
const (
	MaxExprLen     = 256
	MaxDerefDepth  = 4
)

// RecipeStep is one (offset, deref?) hop in a compiled watch, the wire
// form the daemon ships to the agent. It mirrors internal/agent's
// RecipeStep field-for-field so JSON framing round-trips without
// translation.
type RecipeStep struct {
	Offset int64 `json:"offset"`
	Deref  bool  `json:"deref"`
}

// WatchRecipe is the compiled form of a variable expression: base
// address, an ordered deref chain, final element size, and type kind.
type WatchRecipe struct {
	BaseAddress uint64       `json:"base_address"`
	Steps       []RecipeStep `json:"steps"`
	ElementSize int          `json:"element_size"`
	Kind        TypeKind     `json:"kind"`
}

// token is one parsed element of a variable expression: a root name, a
// "->field" or ".field" hop, or a "[index]" hop.
type token struct {
	isIndex bool
	name    string // field name, for a field hop
	index   int64  // literal index, for an index hop
}

// ResolveVariable compiles expr (name, name->field, name->field.field,
// name[index]) into a WatchRecipe by walking from the root variable's
// type through the resolver's type table.
func (r *Resolver) ResolveVariable(expr string) (*WatchRecipe, error) {
	if len(expr) > MaxExprLen {
		return nil, errs.New("dwarf.resolve_variable", errs.KindValidation, "expression exceeds 256 characters")
	}

	root, toks, err := tokenizeExpr(expr)
	if err != nil {
		return nil, errs.Wrap("dwarf.resolve_variable", errs.KindValidation, err)
	}
	if len(toks) > MaxDerefDepth {
		return nil, errs.New("dwarf.resolve_variable", errs.KindValidation, "deref depth exceeds cap of 4")
	}

	v, ok := r.Variable(root)
	if !ok {
		return nil, errs.New("dwarf.resolve_variable", errs.KindOptimizedOut, "unknown variable: "+root)
	}

	curType, ok := r.Type(v.TypeID)
	recipe := &WatchRecipe{BaseAddress: v.Address}
	var pendingOffset int64

	for _, t := range toks {
		if t.isIndex {
			if !ok || (curType.Kind != KindArray && curType.Kind != KindPointer) {
				return nil, errs.New("dwarf.resolve_variable", errs.KindOptimizedOut, "indexed access on non-array/pointer type")
			}
			elemSize := int64(8)
			if ok && curType.Pointee != 0 {
				if pt, pok := r.Type(curType.Pointee); pok {
					elemSize = pt.Size
					curType = pt
					ok = pok
				}
			}
			if curType != nil && curType.Kind == KindPointer {
				recipe.Steps = append(recipe.Steps, RecipeStep{Offset: pendingOffset, Deref: true})
				pendingOffset = t.index * elemSize
			} else {
				pendingOffset += t.index * elemSize
			}
			continue
		}

		// Field access: the tokenizer treats "->" and "." alike. A field
		// hop on a pointer type gets a deref step first, whichever
		// separator was written; members are then walked by name against
		// whatever type we're tracking.
		if !ok || curType.Kind != KindStruct {
			// A field hop through a pointer needs a deref step first.
			if ok && curType.Kind == KindPointer {
				recipe.Steps = append(recipe.Steps, RecipeStep{Offset: pendingOffset, Deref: true})
				pendingOffset = 0
				if pt, pok := r.Type(curType.Pointee); pok {
					curType = pt
					ok = pok
				}
			}
		}
		if !ok || curType.Kind != KindStruct {
			return nil, errs.New("dwarf.resolve_variable", errs.KindOptimizedOut, "field access on non-struct type")
		}
		members := r.membersOf(curType.ID)
		var found *Member
		for i := range members {
			if members[i].Name == t.name {
				found = &members[i]
				break
			}
		}
		if found == nil {
			return nil, errs.New("dwarf.resolve_variable", errs.KindOptimizedOut, "no such field: "+t.name)
		}
		pendingOffset += found.Offset
		if nt, nok := r.Type(found.TypeID); nok {
			curType = nt
			ok = nok
		} else {
			ok = false
		}
	}

	size := int64(8)
	kind := KindUint
	if ok && curType != nil {
		size = curType.Size
		kind = curType.Kind
		if size == 0 {
			size = 8
		}
	}
	if len(recipe.Steps) == 0 {
		recipe.BaseAddress = v.Address + uint64(pendingOffset)
	} else {
		recipe.Steps[len(recipe.Steps)-1].Offset += pendingOffset
	}
	recipe.ElementSize = int(size)
	recipe.Kind = kind
	return recipe, nil
}

// membersOf resolves a struct type's members without needing the raw
// dwarf.Data handle at the call site (Members requires it for lazy
// loading from DWARF; ResolveVariable only needs what's already cached,
// falling back to an empty result if the type was never fully loaded —
// lazy loading happens on the daemon's first access via Members).
func (r *Resolver) membersOf(typeID int64) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.types[typeID]; ok {
		return t.members
	}
	return nil
}

// tokenizeExpr splits "name", "name->field", "name->field.field", and
// "name[index]" into a root identifier plus an ordered token list.
func tokenizeExpr(expr string) (root string, toks []token, err error) {
	i := 0
	for i < len(expr) && isIdentByte(expr[i]) {
		i++
	}
	if i == 0 {
		return "", nil, errs.New("dwarf.tokenize", errs.KindValidation, "expression must start with an identifier")
	}
	root = expr[:i]

	for i < len(expr) {
		switch {
		case strings.HasPrefix(expr[i:], "->"):
			i += 2
			start := i
			for i < len(expr) && isIdentByte(expr[i]) {
				i++
			}
			if start == i {
				return "", nil, errs.New("dwarf.tokenize", errs.KindValidation, "expected field name after ->")
			}
			toks = append(toks, token{name: expr[start:i]})
		case expr[i] == '.':
			i++
			start := i
			for i < len(expr) && isIdentByte(expr[i]) {
				i++
			}
			if start == i {
				return "", nil, errs.New("dwarf.tokenize", errs.KindValidation, "expected field name after .")
			}
			toks = append(toks, token{name: expr[start:i]})
		case expr[i] == '[':
			i++
			start := i
			for i < len(expr) && expr[i] != ']' {
				i++
			}
			if i >= len(expr) {
				return "", nil, errs.New("dwarf.tokenize", errs.KindValidation, "unterminated [ in expression")
			}
			idx, convErr := strconv.ParseInt(expr[start:i], 10, 64)
			if convErr != nil {
				return "", nil, errs.New("dwarf.tokenize", errs.KindValidation, "index must be a literal integer")
			}
			toks = append(toks, token{isIndex: true, index: idx})
			i++ // skip ]
		default:
			return "", nil, errs.New("dwarf.tokenize", errs.KindValidation, "unexpected character in expression")
		}
	}
	return root, toks, nil
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
