package dwarf

// Function is one entry in the resolver's functions table,
// ordered by LowPC within a Resolver. All addresses here are
// image-base-relative (static) — the agent, not the resolver, adds the
// runtime slide.
type Function struct {
	LowPC         uint64
	HighPC        uint64
	Name          string // demangled, simple
	QualifiedName string // "namespace::namespace::fn"
	SourceFile    string
	FirstLine     int
}

// Contains reports whether addr (image-base-relative) falls within this
// function's [LowPC, HighPC) range, used by resolve_address to reject
// addresses outside any known function.
func (f *Function) Contains(addr uint64) bool {
	return addr >= f.LowPC && addr < f.HighPC
}

// TypeKind classifies a type-table entry.
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

// Member is one field of a struct type, resolved lazily on demand.
type Member struct {
	Name   string
	Offset int64
	TypeID int64
}

// TypeInfo is one entry in the resolver's type_table.
type TypeInfo struct {
	ID      int64
	Kind    TypeKind
	Size    int64
	Pointee int64 // type id of pointee, for KindPointer; 0 if n/a
	loaded  bool
	members []Member
}

// Variable is one entry in the resolver's variables_by_name table — a
// global with a static address and a type reference.
type Variable struct {
	Name    string
	Address uint64
	TypeID  int64
}

// LineEntry is one row of a compilation unit's line table:
// (address, file, line, is_statement), sorted by address within a CU.
type LineEntry struct {
	Address     uint64
	File        string
	Line        int
	IsStatement bool
}
