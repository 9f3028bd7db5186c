package dwarf

import (
	"debug/dwarf"
	"debug/elf"
	"debug/macho"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/strobehq/strobe/internal/errs"
)

// Resolver holds every table extracted from one binary's DWARF info,
// built once per binary on first attach and cached.
type Resolver struct {
	BinaryPath string
	ImageBase  uint64

	mu               sync.RWMutex
	functions        []*Function // ordered by LowPC
	variablesByName  map[string]*Variable
	types            map[int64]*TypeInfo
	lineTables       map[string][]LineEntry // keyed by compilation unit name
	funcHighPCIndex  map[uint64]uint64      // LowPC -> HighPC of every added function
}

// Parse builds a Resolver for the binary at path. Compilation units are
// parsed sequentially; concurrency lives a level up, in the coordinator
// dispatching one Parse call per binary alongside other daemon work.
// Intra-binary parallelism would require synchronizing the shared tables
// below and isn't worth it for typical CU counts.
func Parse(path string) (*Resolver, error) {
	data, imageBase, err := loadDWARF(path)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		BinaryPath:      path,
		ImageBase:       imageBase,
		variablesByName: make(map[string]*Variable),
		types:           make(map[int64]*TypeInfo),
		lineTables:      make(map[string][]LineEntry),
		funcHighPCIndex: make(map[uint64]uint64),
	}

	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, errs.Wrap("dwarf.parse", errs.KindNoDebugSymbols, err)
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			if err := r.parseLineTable(data, entry); err != nil {
				// A CU with a broken line table doesn't invalidate the
				// whole binary; functions/variables still resolve.
				continue
			}
		case dwarf.TagSubprogram:
			r.parseSubprogram(data, entry)
		case dwarf.TagVariable:
			r.parseVariable(data, entry)
		}
	}

	sort.Slice(r.functions, func(i, j int) bool { return r.functions[i].LowPC < r.functions[j].LowPC })
	if len(r.functions) == 0 {
		return nil, errs.New("dwarf.parse", errs.KindNoDebugSymbols, "binary has no DWARF subprograms; rebuild with debug symbols")
	}
	return r, nil
}

func (r *Resolver) parseSubprogram(data *dwarf.Data, entry *dwarf.Entry) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	if name == "" {
		return
	}
	low, lok := entry.Val(dwarf.AttrLowpc).(uint64)
	if !lok {
		return
	}
	high := highPC(entry, low)

	file, line := declFileLine(data, entry)
	qualified := qualifiedName(data, entry, name)

	fn := &Function{
		LowPC:         low,
		HighPC:        high,
		Name:          name,
		QualifiedName: qualified,
		SourceFile:    file,
		FirstLine:     line,
	}
	r.mu.Lock()
	r.functions = append(r.functions, fn)
	r.funcHighPCIndex[low] = high
	r.mu.Unlock()
}

func (r *Resolver) parseVariable(data *dwarf.Data, entry *dwarf.Entry) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	if name == "" {
		return
	}
	loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) == 0 {
		return
	}
	addr, ok := staticAddressFromLocExpr(loc)
	if !ok {
		return
	}
	var typeID int64
	if off, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
		typeID = int64(off)
		r.loadTypeIfAbsent(data, off)
	}
	r.mu.Lock()
	r.variablesByName[name] = &Variable{Name: name, Address: addr, TypeID: typeID}
	r.mu.Unlock()
}

// qualifiedName returns the entry's name, or the name of the entry its
// AttrSpecification points at when there is one. Enclosing namespaces
// are not walked; the result is qualified only if that name already is.
func qualifiedName(data *dwarf.Data, entry *dwarf.Entry, simple string) string {
	var parts []string
	parts = append(parts, simple)
	if off, ok := entry.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		if spec := entryAt(data, off); spec != nil {
			if n, ok := spec.Val(dwarf.AttrName).(string); ok {
				parts[0] = n
			}
		}
	}
	// debug/dwarf's flat Reader doesn't expose parent chains directly;
	// namespace qualification for statically-linked binaries is carried
	// in AttrName itself by most native toolchains (e.g. "ns::fn"), so the
	// simple name is usually already qualified. When it isn't, this
	// degrades gracefully to the simple name.
	return strings.Join(parts, "")
}

func entryAt(data *dwarf.Data, off dwarf.Offset) *dwarf.Entry {
	r := data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil
	}
	return e
}

func highPC(entry *dwarf.Entry, low uint64) uint64 {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		// DWARF4+: may be an offset from low, or an absolute address,
		// depending on the attribute's class. dwarf.Entry.Val doesn't
		// distinguish; offsets are overwhelmingly the common case for
		// function high-pc and are always >= low when added.
		if v < low {
			return low + v
		}
		return v
	case int64:
		return low + uint64(v)
	}
	return low
}

func declFileLine(data *dwarf.Data, entry *dwarf.Entry) (string, int) {
	line, _ := entry.Val(dwarf.AttrDeclLine).(int64)
	fileIdx, hasFile := entry.Val(dwarf.AttrDeclFile).(int64)
	if !hasFile {
		return "", int(line)
	}
	lr, err := data.LineReader(findCUFor(data, entry))
	if err != nil || lr == nil {
		return "", int(line)
	}
	files := lr.Files()
	if int(fileIdx) < len(files) && files[fileIdx] != nil {
		return files[fileIdx].Name, int(line)
	}
	return "", int(line)
}

func findCUFor(data *dwarf.Data, entry *dwarf.Entry) *dwarf.Entry {
	// debug/dwarf requires the owning CU's *Entry to build a LineReader.
	// Re-walk from the start tracking the most recent CompileUnit entry;
	// acceptable here since parseSubprogram/parseVariable already run
	// once per entry during the single top-level Reader pass in Parse,
	// and this helper is only invoked for the (rarer) decl-file lookup.
	r := data.Reader()
	var lastCU *dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == dwarf.TagCompileUnit {
			lastCU = e
		}
		if e.Offset == entry.Offset {
			break
		}
	}
	return lastCU
}

func (r *Resolver) parseLineTable(data *dwarf.Data, cu *dwarf.Entry) error {
	lr, err := data.LineReader(cu)
	if err != nil {
		return err
	}
	if lr == nil {
		return nil
	}
	name, _ := cu.Val(dwarf.AttrName).(string)
	var entries []LineEntry
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			break
		}
		entries = append(entries, LineEntry{
			Address:     le.Address,
			File:        fileName(le.File),
			Line:        le.Line,
			IsStatement: le.IsStmt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	r.mu.Lock()
	r.lineTables[name] = entries
	r.mu.Unlock()
	return nil
}

func fileName(f *dwarf.LineFile) string {
	if f == nil {
		return ""
	}
	return f.Name
}

func (r *Resolver) loadTypeIfAbsent(data *dwarf.Data, off dwarf.Offset) {
	r.mu.RLock()
	_, ok := r.types[int64(off)]
	r.mu.RUnlock()
	if ok {
		return
	}
	entry := entryAt(data, off)
	if entry == nil {
		return
	}
	info := &TypeInfo{ID: int64(off)}
	size, _ := entry.Val(dwarf.AttrByteSize).(int64)
	info.Size = size
	switch entry.Tag {
	case dwarf.TagPointerType:
		info.Kind = KindPointer
		if pOff, ok := entry.Val(dwarf.AttrType).(dwarf.Offset); ok {
			info.Pointee = int64(pOff)
		}
		if info.Size == 0 {
			info.Size = 8
		}
	case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagClassType:
		info.Kind = KindStruct
	case dwarf.TagEnumerationType:
		info.Kind = KindEnum
	case dwarf.TagArrayType:
		info.Kind = KindArray
	case dwarf.TagBaseType:
		enc, _ := entry.Val(dwarf.AttrEncoding).(int64)
		switch enc {
		case 4: // DW_ATE_float
			info.Kind = KindFloat
		case 7, 8: // DW_ATE_unsigned, DW_ATE_unsigned_char
			info.Kind = KindUint
		default:
			info.Kind = KindInt
		}
	}
	r.mu.Lock()
	r.types[int64(off)] = info
	r.mu.Unlock()
}

// Members lazily resolves and returns a struct type's fields.
func (r *Resolver) Members(data *dwarf.Data, typeID int64) []Member {
	r.mu.RLock()
	t, ok := r.types[typeID]
	r.mu.RUnlock()
	if !ok || t.loaded {
		if ok {
			return t.members
		}
		return nil
	}
	entry := entryAt(data, dwarf.Offset(typeID))
	if entry == nil {
		return nil
	}
	reader := data.Reader()
	reader.Seek(entry.Offset)
	reader.Next() // consume the struct entry itself
	var members []Member
	for {
		child, err := reader.Next()
		if err != nil || child == nil || child.Tag == 0 {
			break
		}
		if child.Tag != dwarf.TagMember {
			reader.SkipChildren()
			continue
		}
		name, _ := child.Val(dwarf.AttrName).(string)
		offset, _ := child.Val(dwarf.AttrDataMemberLoc).(int64)
		var memberType int64
		if to, ok := child.Val(dwarf.AttrType).(dwarf.Offset); ok {
			memberType = int64(to)
		}
		members = append(members, Member{Name: name, Offset: offset, TypeID: memberType})
	}
	r.mu.Lock()
	t.members = members
	t.loaded = true
	r.mu.Unlock()
	return members
}

// Functions returns every parsed function, ordered by LowPC.
func (r *Resolver) Functions() []*Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Function, len(r.functions))
	copy(out, r.functions)
	return out
}

// FunctionContaining returns the function whose [LowPC,HighPC) range
// contains addr, used by ResolveAddress to enforce "reject if the address
// is not within any known function".
func (r *Resolver) FunctionContaining(addr uint64) *Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// r.functions is sorted by LowPC; binary search for the last function
	// whose LowPC <= addr, then check HighPC.
	i := sort.Search(len(r.functions), func(i int) bool { return r.functions[i].LowPC > addr })
	if i == 0 {
		return nil
	}
	fn := r.functions[i-1]
	if fn.Contains(addr) {
		return fn
	}
	return nil
}

// Variable looks up a global by its demangled name.
func (r *Resolver) Variable(name string) (*Variable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variablesByName[name]
	return v, ok
}

// Type looks up a parsed type by id.
func (r *Resolver) Type(id int64) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t, ok
}

// loadDWARF opens path as ELF or Mach-O (the two object formats the Go
// standard library can extract DWARF from) and extracts its dwarf.Data
// plus the image base from the first non-zero loadable segment.
func loadDWARF(path string) (*dwarf.Data, uint64, error) {
	if ef, err := elf.Open(path); err == nil {
		defer ef.Close()
		data, err := ef.DWARF()
		if err != nil {
			return nil, 0, errs.Wrap("dwarf.load", errs.KindNoDebugSymbols, err)
		}
		base := imageBaseELF(ef)
		return data, base, nil
	}
	if mf, err := macho.Open(path); err == nil {
		defer mf.Close()
		data, err := mf.DWARF()
		if err != nil {
			return nil, 0, errs.Wrap("dwarf.load", errs.KindNoDebugSymbols, err)
		}
		base := imageBaseMachO(mf)
		return data, base, nil
	}
	return nil, 0, errs.New("dwarf.load", errs.KindNoDebugSymbols, fmt.Sprintf("%s is not a recognized ELF or Mach-O binary", path))
}

func imageBaseELF(ef *elf.File) uint64 {
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr != 0 {
			return p.Vaddr
		}
	}
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			return p.Vaddr
		}
	}
	return 0
}

func imageBaseMachO(mf *macho.File) uint64 {
	for _, l := range mf.Loads {
		if seg, ok := l.(*macho.Segment); ok && seg.Addr != 0 {
			return seg.Addr
		}
	}
	return 0
}

// staticAddressFromLocExpr decodes the common case of a DW_OP_addr
// location expression (opcode 0x03 followed by a little-endian address),
// which is what a global variable's static location list collapses to.
// Anything more exotic (DW_OP_addrx, split location lists) is treated as
// "no static address" and the variable is skipped, matching optimized-out
// semantics for locals that have no fixed address.
func staticAddressFromLocExpr(loc []byte) (uint64, bool) {
	const opAddr = 0x03
	if len(loc) < 1 || loc[0] != opAddr {
		return 0, false
	}
	loc = loc[1:]
	if len(loc) < 8 {
		return 0, false
	}
	var addr uint64
	for i := 7; i >= 0; i-- {
		addr = addr<<8 | uint64(loc[i])
	}
	return addr, true
}
