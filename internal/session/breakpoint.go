package session

import (
	"context"
	"fmt"

	"github.com/strobehq/strobe/internal/dwarf"
	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/framing"
)

// BreakpointSpec is one add-entry of the breakpoint(...) tool surface.
// The target is either a function pattern or a file:line; a non-empty
// Message makes it a logpoint.
type BreakpointSpec struct {
	Pattern   string
	File      string
	Line      int
	Condition string
	HitCount  int
	Message   string
}

// BreakpointRequest is the breakpoint(...) tool surface.
type BreakpointRequest struct {
	Add    []BreakpointSpec
	Remove []string
}

// BreakpointResult reports ids added and removed.
type BreakpointResult struct {
	Added   []string
	Removed []string
	Errors  []string
}

// ApplyBreakpoints installs and removes breakpoints/logpoints. Removal
// of a breakpoint a thread is paused on dispatches the resume first,
// then the detach.
func (c *Coordinator) ApplyBreakpoints(ctx context.Context, sessionID string, req BreakpointRequest) (BreakpointResult, error) {
	s, err := c.Get(sessionID)
	if err != nil {
		return BreakpointResult{}, err
	}

	var res BreakpointResult
	for _, id := range req.Remove {
		if err := c.removeBreakpoint(ctx, s, id); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Removed = append(res.Removed, id)
	}
	for _, spec := range req.Add {
		id, err := c.addBreakpoint(ctx, s, spec)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Added = append(res.Added, id)
	}
	return res, nil
}

func (c *Coordinator) addBreakpoint(ctx context.Context, s *Session, spec BreakpointSpec) (string, error) {
	if err := ValidateCondition(spec.Condition); err != nil {
		return "", err
	}
	if err := ValidateMessage(spec.Message); err != nil {
		return "", err
	}
	isLogpoint := spec.Message != ""

	s.mu.RLock()
	bpCount, lpCount := s.bpCount, s.lpCount
	s.mu.RUnlock()
	if isLogpoint && lpCount >= MaxLogpoints {
		return "", errs.NewSession("session.breakpoint", s.ID, errs.KindValidation,
			fmt.Sprintf("logpoint cap of %d reached", MaxLogpoints))
	}
	if !isLogpoint && bpCount >= MaxBreakpoints {
		return "", errs.NewSession("session.breakpoint", s.ID, errs.KindValidation,
			fmt.Sprintf("breakpoint cap of %d reached", MaxBreakpoints))
	}

	resolver, err := s.Resolver()
	if err != nil {
		return "", err
	}
	if resolver == nil {
		return "", errs.NewSession("session.breakpoint", s.ID, errs.KindValidation,
			"breakpoints on interpreted-language targets go through the runtime tracer")
	}

	addr, file, line, err := resolveBreakTarget(resolver, spec)
	if err != nil {
		return "", err
	}

	id := newBatchID()
	msg := framing.SetBreakpointMessage{
		BatchID:   newBatchID(),
		ID:        id,
		Address:   addr,
		Condition: spec.Condition,
		HitCount:  spec.HitCount,
		Message:   spec.Message,
	}
	if _, err := c.sendAndAwait(ctx, s, msg.BatchID, msg); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.breakpoints[id] = breakpointInfo{id: id, address: addr, file: file, line: line, logpoint: isLogpoint}
	if isLogpoint {
		s.lpCount++
	} else {
		s.bpCount++
	}
	s.mu.Unlock()
	return id, nil
}

// resolveBreakTarget maps an add-entry's target to an image-base-relative
// address: a file:line through the line table, a pattern through the
// function table (it must match exactly one function).
func resolveBreakTarget(resolver *dwarf.Resolver, spec BreakpointSpec) (addr uint64, file string, line int, err error) {
	if spec.File != "" {
		addr, err = resolver.ResolveLine(spec.File, spec.Line)
		if err != nil {
			return 0, "", 0, err
		}
		return addr, spec.File, spec.Line, nil
	}

	if err := ValidatePattern(spec.Pattern); err != nil {
		return 0, "", 0, err
	}
	matches, err := dwarf.MatchFunctions(spec.Pattern, resolver.Functions())
	if err != nil {
		return 0, "", 0, errs.Wrap("session.breakpoint", errs.KindInvalidPattern, err)
	}
	switch len(matches) {
	case 0:
		return 0, "", 0, errs.New("session.breakpoint", errs.KindInvalidPattern,
			"pattern matched no functions: "+spec.Pattern)
	case 1:
		fn := matches[0]
		return fn.LowPC, fn.SourceFile, fn.FirstLine, nil
	default:
		return 0, "", 0, errs.New("session.breakpoint", errs.KindValidation,
			fmt.Sprintf("pattern %q matches %d functions; a breakpoint needs exactly one", spec.Pattern, len(matches)))
	}
}

func (c *Coordinator) removeBreakpoint(ctx context.Context, s *Session, id string) error {
	s.mu.RLock()
	info, ok := s.breakpoints[id]
	var pausedOn []uint32
	for tid, p := range s.paused {
		if p.BreakpointID == id {
			pausedOn = append(pausedOn, tid)
		}
	}
	s.mu.RUnlock()
	if !ok {
		return errs.NewSession("session.breakpoint", s.ID, errs.KindValidation,
			"no such breakpoint: "+id)
	}

	// Resume first, then detach, or the thread blocks forever in the
	// receive-wait.
	for _, tid := range pausedOn {
		c.resumeThread(s, tid, nil)
	}

	msg := framing.RemoveBreakpointMessage{BatchID: newBatchID(), ID: id}
	if _, err := c.sendAndAwait(ctx, s, msg.BatchID, msg); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.breakpoints, id)
	if info.logpoint {
		s.lpCount--
	} else {
		s.bpCount--
	}
	s.mu.Unlock()
	return nil
}
