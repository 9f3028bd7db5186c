package pause

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strobehq/strobe/internal/dwarf"
)

// newStepResolver builds a Resolver with one function spanning three
// statement lines, enough to exercise NextStatement without real DWARF.
func newStepResolver() *dwarf.Resolver {
	r := dwarf.NewForTest("/bin/target", 0)
	r.AddFunctionForTest(&dwarf.Function{LowPC: 0x1000, HighPC: 0x1030, Name: "run", QualifiedName: "run"})
	r.AddLineEntriesForTest("main.c", []dwarf.LineEntry{
		{Address: 0x1000, File: "main.c", Line: 10, IsStatement: true},
		{Address: 0x1010, File: "main.c", Line: 11, IsStatement: true},
		{Address: 0x1020, File: "main.c", Line: 12, IsStatement: true},
	})
	return r
}

func TestPlanStepOverFindsNextStatementAndReturnAddr(t *testing.T) {
	r := newStepResolver()
	plan, err := PlanStepOver(r, 0x1000, 0x9999)
	require.NoError(t, err)
	assert.Contains(t, plan.Targets, uint64(0x1010))
	assert.Contains(t, plan.Targets, uint64(0x9999))
}

func TestPlanStepOverNoCallerReturnAddr(t *testing.T) {
	r := newStepResolver()
	plan, err := PlanStepOver(r, 0x1000, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1010}, plan.Targets)
}

type fakeCallSites struct {
	callees []uint64
}

func (f *fakeCallSites) CalleesAtLine(file string, line int) []uint64 { return f.callees }

func TestPlanStepIntoWithCallees(t *testing.T) {
	r := newStepResolver()
	plan, err := PlanStepInto(r, &fakeCallSites{callees: []uint64{0x5000}}, "main.c", 10, 0x1000, 0x9999)
	require.NoError(t, err)
	assert.False(t, plan.DegradedToStepOver)
	assert.Contains(t, plan.Targets, uint64(0x5000))
	assert.Contains(t, plan.Targets, uint64(0x1010))
}

func TestPlanStepIntoDegradesWithoutCallSiteInfo(t *testing.T) {
	r := newStepResolver()
	plan, err := PlanStepInto(r, nil, "main.c", 10, 0x1000, 0x9999)
	require.NoError(t, err)
	assert.True(t, plan.DegradedToStepOver)
	assert.Contains(t, plan.Targets, uint64(0x1010))
}

func TestPlanStepIntoDegradesWithEmptyCallees(t *testing.T) {
	r := newStepResolver()
	plan, err := PlanStepInto(r, &fakeCallSites{callees: nil}, "main.c", 10, 0x1000, 0x9999)
	require.NoError(t, err)
	assert.True(t, plan.DegradedToStepOver)
}

func TestPlanStepOut(t *testing.T) {
	plan, err := PlanStepOut(0x4242)
	require.NoError(t, err)
	assert.Equal(t, []uint64{StripAddressAuth(0x4242)}, plan.Targets)
}

func TestPlanStepOutNoReturnAddress(t *testing.T) {
	_, err := PlanStepOut(0)
	assert.Error(t, err)
}
