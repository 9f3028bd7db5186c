// Package ringbuf implements the lock-free single-producer... actually
// single-*writer-slot*, multi-producer, single-consumer event ring that
// sits between hook callbacks running on arbitrary native threads and the
// agent's drain loop. Any number of goroutines may call Publish
// concurrently (one per instrumented thread); exactly one goroutine may
// call Drain.
//
// The synchronization protocol: a producer claims a slot with one atomic
// fetch-and-add, writes the payload, then release-stores a completion
// word; the consumer acquire-loads that same word before trusting the
// payload. Go's sync/atomic Store/Load carry the release/acquire
// ordering, so no explicit fences (and no cgo) are needed.
package ringbuf

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Ring is a fixed-capacity, power-of-two-sized circular buffer of Entry
// slots backed by one contiguous byte slice, so that in principle it could
// be laid directly over memory shared with non-Go instrumentation code. In
// this repository it is shared only between goroutines, but every access
// to mutable state goes through the same atomic load/store primitives that
// a real cross-process mapping would require.
type Ring struct {
	buf      []byte
	capacity uint32
	mask     uint32

	writeIndex    atomic.Uint32 // next slot to claim; producers only
	readIndex     atomic.Uint32 // next slot to drain; consumer only, read by producers for overflow detection
	overflowCount atomic.Uint32 // producer-observed laps, advisory only (see Drain for the authoritative count)
}

// New allocates a ring with room for capacity entries. capacity must be a
// power of two (so slot = index & mask, no modulo on the hot path).
func New(capacity uint32) (*Ring, error) {
	if capacity == 0 || bits.OnesCount32(capacity) != 1 {
		return nil, fmt.Errorf("ringbuf: capacity %d is not a power of two", capacity)
	}
	return &Ring{
		buf:      make([]byte, int(capacity)*EntrySize),
		capacity: capacity,
		mask:     capacity - 1,
	}, nil
}

// Capacity returns the number of slots in the ring.
func (r *Ring) Capacity() uint32 { return r.capacity }

// OverflowCount returns the producer-side lap counter: how many Publish
// calls observed themselves running at least one full lap ahead of the
// consumer's last-known read position. This is a best-effort, eventually
// consistent counter meant for quick introspection (e.g. a status command);
// the authoritative drop count is the one Drain returns, computed from the
// actual index delta at drain time.
func (r *Ring) OverflowCount() uint32 { return r.overflowCount.Load() }

// slotCompletionPtr returns a pointer to the 4-byte completion word of the
// given slot, for use with the sync/atomic package's pointer-based
// Load/Store functions.
func (r *Ring) slotCompletionPtr(slot uint32) *uint32 {
	off := int(slot)*EntrySize + offCompletion
	return (*uint32)(unsafe.Pointer(&r.buf[off]))
}

// Publish claims the next slot and writes e into it. Safe to call from any
// number of goroutines concurrently; each call claims a strictly distinct,
// monotonically increasing index via a single atomic fetch-and-add, so no
// two callers ever write the same slot at the same time.
//
// There is no back-pressure: if the consumer has not kept up, Publish
// happily overwrites a slot the consumer hasn't drained yet. That loss
// is exactly what the overflow counters exist to make visible — a paused
// or slow consumer must never stall the traced program's hot path, so
// the ring drops instead of blocking.
func (r *Ring) Publish(e Entry) {
	claimed := r.writeIndex.Add(1) - 1
	slot := claimed & r.mask

	if claimed-r.readIndex.Load() >= r.capacity {
		r.overflowCount.Add(1)
	}

	off := int(slot) * EntrySize
	encode(r.buf[off:off+EntrySize], e)
	// Release-store: every field write above must be visible to any
	// goroutine that subsequently observes this store via an atomic load.
	atomic.StoreUint32(r.slotCompletionPtr(slot), completionSentinel)
}

// DrainResult is what one Drain call produced.
type DrainResult struct {
	Entries []Entry
	// Dropped is the number of entries that were overwritten before they
	// could be read, computed from the write/read index delta at the
	// moment of this drain — the authoritative count, unlike
	// Ring.OverflowCount's advisory one.
	Dropped uint32
}

// Drain reads every fully-published entry since the last Drain call,
// advancing the consumer's read position. Must be called from a single
// goroutine; concurrent Drain calls are not supported, the ring has
// exactly one consumer.
//
// Unsigned 32-bit arithmetic throughout: write and read indices wrap past
// 2^32 during a long session, and (write - read) computed as uint32
// subtraction yields the correct delta across that wraparound without any
// special casing.
func (r *Ring) Drain() DrainResult {
	write := r.writeIndex.Load()
	read := r.readIndex.Load()

	delta := write - read
	var dropped uint32
	if delta > r.capacity {
		dropped = delta - r.capacity
		read = write - r.capacity
	}

	entries := make([]Entry, 0, write-read)
	for i := read; i != write; i++ {
		slot := i & r.mask
		// Acquire-load: this must happen before any read of the slot's
		// other fields, or we could observe a torn write from a producer
		// still in the middle of Publish.
		marker := atomic.LoadUint32(r.slotCompletionPtr(slot))
		if marker != completionSentinel {
			// Producer claimed this slot but hasn't finished publishing
			// it yet. Stop here; we'll pick it up on the next Drain.
			break
		}
		off := int(slot) * EntrySize
		entries = append(entries, decode(r.buf[off:off+EntrySize]))
		read = i + 1
	}

	r.readIndex.Store(read)
	return DrainResult{Entries: entries, Dropped: dropped}
}
