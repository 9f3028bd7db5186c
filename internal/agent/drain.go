package agent

import (
	"context"
	"time"

	"github.com/strobehq/strobe/internal/ringbuf"
)

// DefaultDrainInterval is how often the consumer timer fires when the
// settings store carries no override.
const DefaultDrainInterval = 10 * time.Millisecond

// TraceEvent is one decoded, identity-resolved ring entry: what the drain
// loop hands to the framing channel after matching the packed func-id back
// to the hook table.
type TraceEvent struct {
	FuncID       uint32
	FunctionName string
	ThreadID     uint32
	TimestampNs  int64
	IsEntry      bool
	Sampled      bool
	Arg0         uint64
	Arg1         uint64
	ReturnValue  uint64
	DurationNs   int64 // exits only; zero when no matching enter was seen
	FullMode     bool
	WatchValues  map[string]uint64 // watch id -> value, full-mode entries only
}

// EventSink receives the drain loop's output: batches of decoded events
// plus overflow notifications. The daemon-facing transport implements
// this; tests implement it with a slice.
type EventSink interface {
	EmitBatch(events []TraceEvent)
	EmitOverflow(dropped uint32)
}

// enterKey pairs a func-id with a thread for duration matching: an exit's
// duration is the delta to the most recent enter from the same thread for
// the same function.
type enterKey struct {
	funcID uint32
	thread uint32
}

// Drainer is the single cooperative consumer of the ring: on each
// tick it snapshots the write index, reads every fully-published entry,
// recovers function identity from the tracer's hook table, captures watch
// values for full-mode entries, and emits a framed batch. Exactly one
// goroutine may run Tick/Run; the ring has exactly one consumer.
type Drainer struct {
	ring    *ringbuf.Ring
	tracer  *Tracer
	mem     MemReader
	sink    EventSink
	metrics Observer

	// ticksToNS converts producer timestamps to nanoseconds; obtained once
	// at startup from the platform timebase.
	ticksToNS float64

	enters map[enterKey]int64
}

// NewDrainer builds a Drainer over ring, resolving identities through
// tracer, reading watch recipes through mem (nil disables recipe watches),
// and emitting into sink.
func NewDrainer(ring *ringbuf.Ring, tracer *Tracer, mem MemReader, sink EventSink, metrics Observer, ticksToNS float64) *Drainer {
	if metrics == nil {
		metrics = NoOpObserver{}
	}
	if ticksToNS == 0 {
		ticksToNS = 1
	}
	return &Drainer{
		ring:      ring,
		tracer:    tracer,
		mem:       mem,
		sink:      sink,
		metrics:   metrics,
		ticksToNS: ticksToNS,
		enters:    make(map[enterKey]int64),
	}
}

// Tick performs one drain pass and returns how many events it emitted.
func (d *Drainer) Tick() int {
	res := d.ring.Drain()
	if res.Dropped > 0 {
		d.metrics.ObserveOverflow(uint64(res.Dropped))
		d.sink.EmitOverflow(res.Dropped)
	}
	if len(res.Entries) == 0 {
		return 0
	}

	out := make([]TraceEvent, 0, len(res.Entries))
	for _, e := range res.Entries {
		funcID, fullMode := e.FuncID()
		h, ok := d.tracer.Lookup(funcID)
		if !ok {
			// Hook was removed between publish and drain; the entry is
			// orphaned and cannot be attributed. Drop it.
			continue
		}

		ts := int64(float64(e.TimestampTick) * d.ticksToNS)
		ev := TraceEvent{
			FuncID:       funcID,
			FunctionName: h.Name,
			ThreadID:     e.ThreadID,
			TimestampNs:  ts,
			IsEntry:      e.IsEntry,
			Sampled:      e.Sampled,
			FullMode:     fullMode,
		}
		key := enterKey{funcID, e.ThreadID}
		if e.IsEntry {
			d.enters[key] = ts
			if fullMode {
				ev.Arg0 = e.EnterArg0
				ev.Arg1 = e.EnterArg1
			}
		} else {
			if enterTS, ok := d.enters[key]; ok {
				ev.DurationNs = ts - enterTS
				delete(d.enters, key)
			}
			if fullMode {
				ev.ReturnValue = e.ReturnValue
			}
		}

		if fullMode {
			ev.WatchValues = d.captureWatches(funcID)
		}
		out = append(out, ev)
	}

	if len(out) > 0 {
		d.sink.EmitBatch(out)
	}
	return len(out)
}

// captureWatches executes every applicable address-based watch recipe
// against the target's memory; values ride a separate watch channel
// attached to each full-mode trace entry. Failed reads are
// skipped, not fatal — a watch on freed memory should not take down the
// event stream.
func (d *Drainer) captureWatches(funcID uint32) map[string]uint64 {
	if d.mem == nil {
		return nil
	}
	watches := d.tracer.Watches().ForFuncID(funcID)
	if len(watches) == 0 {
		return nil
	}
	vals := make(map[string]uint64, len(watches))
	for _, w := range watches {
		if w.Recipe == nil {
			continue
		}
		v, err := ReadRecipe(d.mem, w.Recipe)
		if err != nil {
			continue
		}
		vals[w.ID] = v
		d.metrics.ObserveWatchRead()
	}
	if len(vals) == 0 {
		return nil
	}
	return vals
}

// Run drives Tick on interval until ctx is canceled, then performs one
// final drain so nothing published before cancellation is lost.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Tick()
			return
		case <-t.C:
			d.Tick()
		}
	}
}
