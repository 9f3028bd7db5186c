package pause

import (
	"github.com/strobehq/strobe/internal/dwarf"
	"github.com/strobehq/strobe/internal/errs"
)

// Action is a continue/step request from the client tool surface.
type Action string

const (
	ActionContinue Action = "continue"
	ActionStepOver Action = "step-over"
	ActionStepInto Action = "step-into"
	ActionStepOut  Action = "step-out"
)

// StepPlan is the set of one-shot hook addresses to arm for a step
// request. Stepping is built entirely from one-shot hooks; there is no
// single-step CPU mode involved.
type StepPlan struct {
	Targets []uint64
	// DegradedToStepOver records whether a step-into request fell back to
	// step-over because no DWARF call-site information was available —
	// a documented, not accidental, degradation.
	DegradedToStepOver bool
}

// PlanStepOver resolves the paused address's (file, line), finds the
// next is_statement address in the same function, and also arms the
// caller's return address — whichever fires first triggers the new
// pause, and the other is detached.
func PlanStepOver(r *dwarf.Resolver, pausedAddr, callerReturnAddr uint64) (StepPlan, error) {
	next, err := r.NextStatement(pausedAddr)
	if err != nil {
		return StepPlan{}, errs.Wrap("pause.plan_step_over", errs.KindNoCodeAtLine, err)
	}
	targets := []uint64{next}
	if callerReturnAddr != 0 {
		targets = append(targets, StripAddressAuth(callerReturnAddr))
	}
	return StepPlan{Targets: targets}, nil
}

// CallSiteResolver resolves callee entry points reachable from the
// current line, using DWARF call-site information. Returns an empty slice
// when the binary carries no DW_TAG_call_site data, which is common for
// binaries not built with -g3 / -fdebug-types-section equivalents — the
// degradation to step-over is driven by this return value being empty,
// not by a separate code path.
type CallSiteResolver interface {
	CalleesAtLine(file string, line int) []uint64
}

// PlanStepInto plans step-over's targets plus one-shot hooks at callee
// entry points reachable from the current line. When the call-site
// resolver yields nothing, this degrades to step-over exactly.
func PlanStepInto(r *dwarf.Resolver, calls CallSiteResolver, pausedFile string, pausedLine int, pausedAddr, callerReturnAddr uint64) (StepPlan, error) {
	base, err := PlanStepOver(r, pausedAddr, callerReturnAddr)
	if err != nil {
		return StepPlan{}, err
	}
	if calls == nil {
		base.DegradedToStepOver = true
		return base, nil
	}
	callees := calls.CalleesAtLine(pausedFile, pausedLine)
	if len(callees) == 0 {
		base.DegradedToStepOver = true
		return base, nil
	}
	base.Targets = append(base.Targets, callees...)
	return base, nil
}

// PlanStepOut plans a single one-shot hook at the frame's return
// address, with pointer-authentication bits stripped first where
// applicable.
func PlanStepOut(returnAddr uint64) (StepPlan, error) {
	if returnAddr == 0 {
		return StepPlan{}, errs.New("pause.plan_step_out", errs.KindInternal, "no return address captured for this frame")
	}
	return StepPlan{Targets: []uint64{StripAddressAuth(returnAddr)}}, nil
}
