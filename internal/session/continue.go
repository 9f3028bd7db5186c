package session

import (
	"context"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/pause"
)

// ContinueResult reports what a continue/step dispatched.
type ContinueResult struct {
	ThreadID           uint32
	OneShotCount       int
	DegradedToStepOver bool
}

// Continue resumes a paused thread, planning one-shot hooks for step
// actions. threadID of 0 picks the session's single
// paused thread; with more than one paused thread it must be explicit.
func (c *Coordinator) Continue(ctx context.Context, sessionID string, threadID uint32, action pause.Action) (ContinueResult, error) {
	s, err := c.Get(sessionID)
	if err != nil {
		return ContinueResult{}, err
	}

	p, err := pickPaused(s, threadID)
	if err != nil {
		return ContinueResult{}, err
	}

	if action == pause.ActionContinue {
		c.resumeThread(s, p.ThreadID, nil)
		return ContinueResult{ThreadID: p.ThreadID}, nil
	}

	resolver, rerr := s.Resolver()
	if rerr != nil {
		return ContinueResult{}, rerr
	}
	if resolver == nil {
		return ContinueResult{}, errs.NewSession("session.continue", sessionID, errs.KindValidation,
			"stepping an interpreted-language target goes through its runtime tracer")
	}

	var plan pause.StepPlan
	switch action {
	case pause.ActionStepOver:
		plan, err = pause.PlanStepOver(resolver, p.Address, p.ReturnAddress)
	case pause.ActionStepInto:
		// No call-site resolver is wired for binaries without
		// DW_TAG_call_site data; the documented degradation applies.
		plan, err = pause.PlanStepInto(resolver, nil, p.File, p.Line, p.Address, p.ReturnAddress)
	case pause.ActionStepOut:
		plan, err = pause.PlanStepOut(p.ReturnAddress)
	default:
		return ContinueResult{}, errs.New("session.continue", errs.KindValidation,
			"unknown action: "+string(action))
	}
	if err != nil {
		return ContinueResult{}, err
	}

	c.resumeThread(s, p.ThreadID, plan.Targets)
	return ContinueResult{
		ThreadID:           p.ThreadID,
		OneShotCount:       len(plan.Targets),
		DegradedToStepOver: plan.DegradedToStepOver,
	}, nil
}

func pickPaused(s *Session, threadID uint32) (PausedInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if threadID != 0 {
		p, ok := s.paused[threadID]
		if !ok {
			return PausedInfo{}, errs.NewSession("session.continue", s.ID, errs.KindValidation,
				"thread is not paused")
		}
		return p, nil
	}
	if len(s.paused) == 1 {
		for _, p := range s.paused {
			return p, nil
		}
	}
	if len(s.paused) == 0 {
		return PausedInfo{}, errs.NewSession("session.continue", s.ID, errs.KindValidation,
			"no thread is paused")
	}
	return PausedInfo{}, errs.NewSession("session.continue", s.ID, errs.KindValidation,
		"multiple threads paused; specify a thread id")
}
