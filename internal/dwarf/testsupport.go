package dwarf

// NewForTest builds an empty Resolver for path without parsing a real
// binary, for exercising resolve_line/resolve_address/next_statement and
// the step planner against fixed tables, the same approach
// lines_test.go and variable_test.go already use for this package's own
// tests.
func NewForTest(path string, imageBase uint64) *Resolver {
	return &Resolver{
		BinaryPath:      path,
		ImageBase:       imageBase,
		variablesByName: make(map[string]*Variable),
		types:           make(map[int64]*TypeInfo),
		lineTables:      make(map[string][]LineEntry),
		funcHighPCIndex: make(map[uint64]uint64),
	}
}

// AddFunctionForTest registers a function directly, bypassing DWARF
// parsing.
func (r *Resolver) AddFunctionForTest(f *Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions = append(r.functions, f)
	r.funcHighPCIndex[f.LowPC] = f.HighPC
}

// AddLineEntriesForTest registers a compilation unit's line table
// directly, bypassing DWARF parsing.
func (r *Resolver) AddLineEntriesForTest(cu string, entries []LineEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lineTables[cu] = entries
}

// AddVariableForTest registers a global variable directly, bypassing
// DWARF parsing.
func (r *Resolver) AddVariableForTest(v *Variable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variablesByName[v.Name] = v
}

// AddTypeForTest registers a type-table entry directly, with members
// already loaded.
func (r *Resolver) AddTypeForTest(t *TypeInfo, members []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members != nil {
		t.loaded = true
		t.members = members
	}
	r.types[t.ID] = t
}
