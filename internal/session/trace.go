package session

import (
	"context"
	"fmt"

	"github.com/strobehq/strobe/internal/dwarf"
	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/sandbox"
)

// TracePattern is one add-entry of the trace(...) tool surface: a
// function pattern plus the user's per-pattern capture hint. The hint
// and the match count together decide full vs light mode.
type TracePattern struct {
	Pattern string
	Full    bool
}

// WatchSpec is one watch to install alongside a trace call.
type WatchSpec struct {
	Expr         string
	FuncPatterns []string // optional contextualization set
}

// TraceRequest is the trace(...) tool surface.
type TraceRequest struct {
	Add     []TracePattern
	Remove  []string
	Watches []WatchSpec
}

// TraceResult reports what a trace call accomplished.
type TraceResult struct {
	HookedFunctions  int
	RemovedFunctions int
	WatchesInstalled int
	Truncated        int
	Warnings         []string
	Errors           []string
}

// ApplyTrace runs the hook application flow: pattern -> resolver ->
// target list -> classify -> chunk into batches of 50 -> send -> bounded
// confirmation wait. Errors in one batch do not abort preceding batches.
func (c *Coordinator) ApplyTrace(ctx context.Context, sessionID string, req TraceRequest) (TraceResult, error) {
	s, err := c.Get(sessionID)
	if err != nil {
		return TraceResult{}, err
	}
	for _, p := range req.Add {
		if err := ValidatePattern(p.Pattern); err != nil {
			return TraceResult{}, err
		}
	}
	for _, w := range req.Watches {
		if err := ValidateWatchExpr(w.Expr); err != nil {
			return TraceResult{}, err
		}
	}

	resolver, err := s.Resolver()
	if err != nil {
		return TraceResult{}, err
	}
	if resolver == nil {
		return TraceResult{}, errs.NewSession("session.trace", sessionID, errs.KindValidation,
			"tracing an interpreted-language target goes through its runtime tracer, not DWARF")
	}

	var res TraceResult
	for _, p := range req.Remove {
		removed, err := c.removePattern(ctx, s, resolver, p)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.RemovedFunctions += removed
	}
	for _, p := range req.Add {
		added, truncated, warns, err := c.addPattern(ctx, s, resolver, p)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.HookedFunctions += added
		res.Truncated += truncated
		res.Warnings = append(res.Warnings, warns...)
	}
	if len(req.Watches) > 0 {
		installed, err := c.addWatches(ctx, s, resolver, req.Watches)
		if err != nil {
			return res, err
		}
		res.WatchesInstalled = installed
	}
	return res, nil
}

// addPattern expands one pattern and installs its hooks in chunks.
func (c *Coordinator) addPattern(ctx context.Context, s *Session, resolver *dwarf.Resolver, p TracePattern) (added, truncated int, warnings []string, err error) {
	matches, err := dwarf.MatchFunctions(p.Pattern, resolver.Functions())
	if err != nil {
		return 0, 0, nil, errs.Wrap("session.trace", errs.KindInvalidPattern, err)
	}
	if len(matches) == 0 {
		return 0, 0, nil, errs.NewSession("session.trace", s.ID, errs.KindInvalidPattern,
			"pattern matched no functions: "+p.Pattern)
	}

	// The hard cap on hooks across all sessions truncates additional
	// matches with a user-visible warning.
	c.mu.Lock()
	budget := c.maxTotalHooks - c.totalHooks
	if budget < 0 {
		budget = 0
	}
	if len(matches) > budget {
		truncated = len(matches) - budget
		matches = matches[:budget]
	}
	c.totalHooks += len(matches)
	c.mu.Unlock()
	if truncated > 0 {
		warnings = append(warnings,
			fmt.Sprintf("hook cap reached: %d of %d matches for %q not installed", truncated, truncated+len(matches), p.Pattern))
	}
	if len(matches) == 0 {
		return 0, truncated, warnings, nil
	}

	// Classification: the user hint is honored unless the pattern
	// matched more functions than the downgrade threshold.
	cfg := c.settings(s.ProjectRoot)
	downgradeAt := cfg.Int("hooks.pattern_downgrade", 25)
	mode := framing.ModeLight
	if p.Full {
		if len(matches) > downgradeAt {
			warnings = append(warnings,
				fmt.Sprintf("pattern %q matched %d functions; downgraded to light mode", p.Pattern, len(matches)))
		} else {
			mode = framing.ModeFull
		}
	}

	for start := 0; start < len(matches); start += HookChunkSize {
		end := start + HookChunkSize
		if end > len(matches) {
			end = len(matches)
		}
		chunk := matches[start:end]

		msg := framing.InstallHooksMessage{BatchID: newBatchID()}
		for _, fn := range chunk {
			msg.Hooks = append(msg.Hooks, framing.InstallHookReq{
				Address: fn.LowPC,
				Name:    fn.QualifiedName,
				Mode:    mode,
			})
		}

		ack, err := c.sendAndAwait(ctx, s, msg.BatchID, msg)
		if err != nil {
			// A failed batch does not abort preceding batches; the
			// budget claimed for this chunk is handed back.
			c.mu.Lock()
			c.totalHooks -= len(chunk)
			c.mu.Unlock()
			warnings = append(warnings, fmt.Sprintf("batch of %d hooks failed: %v", len(chunk), err))
			continue
		}
		hooksAck, ok := ack.(framing.InstallHooksAck)
		if !ok {
			continue
		}

		s.mu.Lock()
		for i, funcID := range hooksAck.FuncIDs {
			if i >= len(chunk) {
				break
			}
			fn := chunk[i]
			info := HookInfo{FuncID: funcID, Address: fn.LowPC, Name: fn.QualifiedName, Mode: mode}
			s.hooks[funcID] = info
			s.hooksByName[fn.QualifiedName] = append(s.hooksByName[fn.QualifiedName], funcID)
			if mode == framing.ModeFull {
				s.fullHooks++
			}
		}
		s.mu.Unlock()
		added += hooksAck.Count
	}
	return added, truncated, warnings, nil
}

// removePattern resolves a remove-pattern against the installed hook set
// and ships a remove-hooks batch.
func (c *Coordinator) removePattern(ctx context.Context, s *Session, resolver *dwarf.Resolver, pattern string) (int, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}
	re, err := dwarf.CompilePattern(pattern)
	if err != nil {
		return 0, errs.Wrap("session.trace", errs.KindInvalidPattern, err)
	}

	var funcIDs []uint32
	s.mu.RLock()
	for name, ids := range s.hooksByName {
		if re.MatchString(name) {
			funcIDs = append(funcIDs, ids...)
		}
	}
	s.mu.RUnlock()
	if len(funcIDs) == 0 {
		return 0, nil
	}

	msg := framing.RemoveHooksMessage{BatchID: newBatchID(), FuncIDs: funcIDs}
	if _, err := c.sendAndAwait(ctx, s, msg.BatchID, msg); err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, id := range funcIDs {
		info, ok := s.hooks[id]
		if !ok {
			continue
		}
		delete(s.hooks, id)
		if info.Mode == framing.ModeFull {
			s.fullHooks--
		}
		ids := s.hooksByName[info.Name]
		for i, x := range ids {
			if x == id {
				s.hooksByName[info.Name] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(s.hooksByName[info.Name]) == 0 {
			delete(s.hooksByName, info.Name)
		}
	}
	s.mu.Unlock()

	c.mu.Lock()
	c.totalHooks -= len(funcIDs)
	c.mu.Unlock()
	return len(funcIDs), nil
}

// addWatches compiles and installs watches, enforcing the cumulative
// per-session cap of 32, counted against existing plus new.
func (c *Coordinator) addWatches(ctx context.Context, s *Session, resolver *dwarf.Resolver, specs []WatchSpec) (int, error) {
	s.mu.RLock()
	existing := s.watchCount
	s.mu.RUnlock()
	if existing+len(specs) > MaxWatchesPerSession {
		return 0, errs.NewSession("session.trace", s.ID, errs.KindValidation,
			fmt.Sprintf("watch cap of %d exceeded: %d installed, %d requested", MaxWatchesPerSession, existing, len(specs)))
	}

	msg := framing.SetWatchesMessage{BatchID: newBatchID()}
	for _, spec := range specs {
		ww := framing.WatchWire{ID: newBatchID()}

		recipe, err := resolver.ResolveVariable(spec.Expr)
		if err == nil {
			wire := &framing.RecipeWire{
				Name:        spec.Expr,
				BaseAddress: recipe.BaseAddress,
				ElementSize: recipe.ElementSize,
			}
			for _, step := range recipe.Steps {
				wire.Steps = append(wire.Steps, framing.RecipeStepWire{Offset: step.Offset, Deref: step.Deref})
			}
			ww.Recipe = wire
		} else if _, perr := sandbox.Parse(spec.Expr); perr == nil {
			// Not a resolvable global but a legal sandbox expression: hand
			// the text to the agent's in-target evaluator.
			ww.Expr = spec.Expr
		} else {
			return 0, err
		}

		// Contextualization: resolve the pattern set to currently
		// installed func-ids at install time.
		if len(spec.FuncPatterns) > 0 {
			s.mu.RLock()
			for _, p := range spec.FuncPatterns {
				re, err := dwarf.CompilePattern(p)
				if err != nil {
					continue
				}
				for name, ids := range s.hooksByName {
					if re.MatchString(name) {
						ww.FuncIDs = append(ww.FuncIDs, ids...)
					}
				}
			}
			s.mu.RUnlock()
		}
		msg.Watches = append(msg.Watches, ww)
	}

	ack, err := c.sendAndAwait(ctx, s, msg.BatchID, msg)
	if err != nil {
		return 0, err
	}
	installed := len(msg.Watches)
	if wa, ok := ack.(framing.SetWatchesAck); ok {
		installed -= len(wa.Errors)
	}

	s.mu.Lock()
	s.watchCount += installed
	s.mu.Unlock()
	return installed, nil
}
