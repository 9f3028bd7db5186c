package session

import (
	"context"

	"github.com/strobehq/strobe/internal/errs"
	"github.com/strobehq/strobe/internal/framing"
)

// MemoryReadResult maps each requested expression to its value, or its
// read error.
type MemoryReadResult struct {
	Values map[string]uint64
	Errors map[string]string
}

// ReadMemory resolves each variable expression to a recipe and ships a
// read-memory request. With poll set the agent streams variable-snapshot
// events instead of replying once.
func (c *Coordinator) ReadMemory(ctx context.Context, sessionID string, exprs []string, poll bool) (MemoryReadResult, error) {
	s, err := c.Get(sessionID)
	if err != nil {
		return MemoryReadResult{}, err
	}
	resolver, err := s.Resolver()
	if err != nil {
		return MemoryReadResult{}, err
	}
	if resolver == nil {
		return MemoryReadResult{}, errs.NewSession("session.memory", sessionID, errs.KindValidation,
			"memory reads on interpreted-language targets go through the runtime tracer")
	}

	msg := framing.ReadMemoryMessage{BatchID: newBatchID(), Poll: poll}
	for _, expr := range exprs {
		if err := ValidateWatchExpr(expr); err != nil {
			return MemoryReadResult{}, err
		}
		recipe, err := resolver.ResolveVariable(expr)
		if err != nil {
			return MemoryReadResult{}, err
		}
		wire := framing.RecipeWire{
			Name:        expr,
			BaseAddress: recipe.BaseAddress,
			ElementSize: recipe.ElementSize,
		}
		for _, step := range recipe.Steps {
			wire.Steps = append(wire.Steps, framing.RecipeStepWire{Offset: step.Offset, Deref: step.Deref})
		}
		msg.Recipes = append(msg.Recipes, wire)
	}

	if poll {
		// Streaming mode needs no confirmation; snapshots arrive as
		// variable-snapshot events on the normal ingress path.
		s.worker.do(func() { s.target.Send(msg) })
		return MemoryReadResult{}, nil
	}

	ack, err := c.sendAndAwait(ctx, s, msg.BatchID, msg)
	if err != nil {
		return MemoryReadResult{}, err
	}
	resp, ok := ack.(framing.ReadMemoryResponse)
	if !ok {
		return MemoryReadResult{}, errs.NewSession("session.memory", sessionID, errs.KindInternal,
			"unexpected ack shape for read-memory")
	}
	return MemoryReadResult{Values: resp.Values, Errors: resp.Errors}, nil
}

// WriteMemory resolves each (expression, value) pair and ships a
// write-memory request. Writes target globals; a
// local-variable write is only legal while the owning thread is paused,
// which is the agent's check to make — the daemon's is that the
// expression resolves at all.
func (c *Coordinator) WriteMemory(ctx context.Context, sessionID string, targets map[string]uint64) (int, error) {
	s, err := c.Get(sessionID)
	if err != nil {
		return 0, err
	}
	resolver, err := s.Resolver()
	if err != nil {
		return 0, err
	}
	if resolver == nil {
		return 0, errs.NewSession("session.memory", sessionID, errs.KindValidation,
			"memory writes on interpreted-language targets go through the runtime tracer")
	}

	msg := framing.WriteMemoryMessage{BatchID: newBatchID()}
	for expr, value := range targets {
		if err := ValidateWatchExpr(expr); err != nil {
			return 0, err
		}
		recipe, err := resolver.ResolveVariable(expr)
		if err != nil {
			return 0, err
		}
		if len(recipe.Steps) > 0 {
			return 0, errs.NewSession("session.memory", sessionID, errs.KindValidation,
				"writes through pointer chains are not supported; write the pointee directly: "+expr)
		}
		buf := make([]byte, recipe.ElementSize)
		v := value
		for i := range buf {
			buf[i] = byte(v)
			v >>= 8
		}
		msg.Targets = append(msg.Targets, framing.WriteMemoryTarget{Address: recipe.BaseAddress, Bytes: buf})
	}

	ack, err := c.sendAndAwait(ctx, s, msg.BatchID, msg)
	if err != nil {
		return 0, err
	}
	resp, ok := ack.(framing.WriteMemoryAck)
	if !ok {
		return 0, errs.NewSession("session.memory", sessionID, errs.KindInternal,
			"unexpected ack shape for write-memory")
	}
	return resp.Written, nil
}
