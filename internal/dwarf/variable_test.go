package dwarf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVarResolver() *Resolver {
	r := &Resolver{
		variablesByName: make(map[string]*Variable),
		types:           make(map[int64]*TypeInfo),
		lineTables:      make(map[string][]LineEntry),
		funcHighPCIndex: make(map[uint64]uint64),
	}

	// struct Point { int x; int y; } at type id 1
	r.types[1] = &TypeInfo{ID: 1, Kind: KindStruct, Size: 8, loaded: true, members: []Member{
		{Name: "x", Offset: 0, TypeID: 2},
		{Name: "y", Offset: 4, TypeID: 2},
	}}
	r.types[2] = &TypeInfo{ID: 2, Kind: KindInt, Size: 4}
	// Point *origin at type id 3
	r.types[3] = &TypeInfo{ID: 3, Kind: KindPointer, Size: 8, Pointee: 1}

	r.variablesByName["pos"] = &Variable{Name: "pos", Address: 0x2000, TypeID: 1}
	r.variablesByName["origin"] = &Variable{Name: "origin", Address: 0x3000, TypeID: 3}
	return r
}

func TestResolveVariableSimple(t *testing.T) {
	r := newVarResolver()
	recipe, err := r.ResolveVariable("pos")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), recipe.BaseAddress)
	assert.Empty(t, recipe.Steps)
}

func TestResolveVariableField(t *testing.T) {
	r := newVarResolver()
	recipe, err := r.ResolveVariable("pos.y")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2004), recipe.BaseAddress)
	assert.Equal(t, 4, recipe.ElementSize)
}

func TestResolveVariablePointerField(t *testing.T) {
	r := newVarResolver()
	recipe, err := r.ResolveVariable("origin->x")
	require.NoError(t, err)
	require.Len(t, recipe.Steps, 1)
	assert.True(t, recipe.Steps[0].Deref)
}

func TestResolveVariableUnknown(t *testing.T) {
	r := newVarResolver()
	_, err := r.ResolveVariable("nosuchvar")
	assert.Error(t, err)
}

func TestResolveVariableExprTooLong(t *testing.T) {
	r := newVarResolver()
	long := make([]byte, MaxExprLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := r.ResolveVariable(string(long))
	assert.Error(t, err)
}
