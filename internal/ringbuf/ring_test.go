package ringbuf

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestFuncIDRoundTrip(t *testing.T) {
	cases := []struct {
		id   uint32
		full bool
	}{
		{0, false},
		{0, true},
		{1, true},
		{1<<30 - 1, false},
		{1<<30 - 1, true},
	}
	for _, c := range cases {
		packed := EncodeFuncID(c.id, c.full)
		gotID, gotFull := DecodeFuncID(packed)
		if gotID != c.id || gotFull != c.full {
			t.Errorf("EncodeFuncID(%d, %v) round-tripped to (%d, %v)", c.id, c.full, gotID, gotFull)
		}
	}
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("capacity 0 should be rejected")
	}
	if _, err := New(100); err == nil {
		t.Error("capacity 100 (not a power of two) should be rejected")
	}
	if _, err := New(128); err != nil {
		t.Errorf("capacity 128 should be accepted, got %v", err)
	}
}

func TestPublishDrainRoundTrip(t *testing.T) {
	r, err := New(16)
	if err != nil {
		t.Fatal(err)
	}

	want := Entry{
		FuncIDPacked:  EncodeFuncID(42, true),
		ThreadID:      7,
		TimestampTick: 123456789,
		EnterArg0:     0xdeadbeef,
		EnterArg1:     0xcafef00d,
		IsEntry:       true,
	}
	r.Publish(want)

	res := r.Drain()
	if res.Dropped != 0 {
		t.Fatalf("Dropped = %d, want 0", res.Dropped)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(res.Entries))
	}
	got := res.Entries[0]
	if got.FuncIDPacked != want.FuncIDPacked || got.ThreadID != want.ThreadID ||
		got.TimestampTick != want.TimestampTick || got.EnterArg0 != want.EnterArg0 ||
		got.EnterArg1 != want.EnterArg1 || got.IsEntry != want.IsEntry {
		t.Errorf("Drain() = %+v, want %+v", got, want)
	}

	// A second drain with nothing new published yields nothing.
	res2 := r.Drain()
	if len(res2.Entries) != 0 || res2.Dropped != 0 {
		t.Errorf("second Drain() = %+v, want empty", res2)
	}
}

// TestDrainStopsAtUnpublishedSlot checks that the consumer never
// reads fields from a claimed-but-not-yet-published slot. We claim a slot by
// hand (bypassing Publish) and leave its completion word unset, then publish
// a second entry past it; Drain must stop before the gap rather than skip
// over it and report the later entry.
func TestDrainStopsAtUnpublishedSlot(t *testing.T) {
	r, err := New(16)
	if err != nil {
		t.Fatal(err)
	}

	r.Publish(Entry{ThreadID: 1})           // index 0, fully published
	claimed := r.writeIndex.Add(1) - 1      // index 1, claimed but never published
	_ = claimed
	r.Publish(Entry{ThreadID: 3})           // index 2, fully published

	res := r.Drain()
	if len(res.Entries) != 1 {
		t.Fatalf("expected Drain to stop at the unpublished slot, got %d entries", len(res.Entries))
	}
	if res.Entries[0].ThreadID != 1 {
		t.Errorf("ThreadID = %d, want 1", res.Entries[0].ThreadID)
	}

	// Now publish the missing entry late (simulating the producer finally
	// finishing it) and drain again: it and the one after it should appear.
	off := 1 * EntrySize
	encode(r.buf[off:off+EntrySize], Entry{ThreadID: 2})
	atomic.StoreUint32(r.slotCompletionPtr(1), completionSentinel)

	res2 := r.Drain()
	if len(res2.Entries) != 2 {
		t.Fatalf("expected 2 entries after late publish, got %d", len(res2.Entries))
	}
	if res2.Entries[0].ThreadID != 2 || res2.Entries[1].ThreadID != 3 {
		t.Errorf("entries = %+v, want ThreadID 2 then 3", res2.Entries)
	}
}

// TestOverflowExactlyCapacityAhead checks that a writer exactly capacity
// slots ahead of the reader has lapped it exactly once, and Drain must
// report exactly that many dropped entries, not double-count them.
func TestOverflowExactlyCapacityAhead(t *testing.T) {
	const capacity = 8
	r, err := New(capacity)
	if err != nil {
		t.Fatal(err)
	}

	// Publish 2*capacity entries without ever draining: the writer ends up
	// exactly capacity slots ahead of the (zero) read position.
	for i := 0; i < 2*capacity; i++ {
		r.Publish(Entry{ThreadID: uint32(i)})
	}

	res := r.Drain()
	if res.Dropped != capacity {
		t.Errorf("Dropped = %d, want %d", res.Dropped, capacity)
	}
	if len(res.Entries) != capacity {
		t.Fatalf("len(Entries) = %d, want %d", len(res.Entries), capacity)
	}
	// The surviving entries are the most recent capacity publishes.
	for i, e := range res.Entries {
		wantThread := uint32(capacity + i)
		if e.ThreadID != wantThread {
			t.Errorf("Entries[%d].ThreadID = %d, want %d", i, e.ThreadID, wantThread)
		}
	}

	// A second drain with nothing new published reports no further drops.
	res2 := r.Drain()
	if res2.Dropped != 0 || len(res2.Entries) != 0 {
		t.Errorf("second Drain() = %+v, want empty with zero drops", res2)
	}
}

// TestWraparoundPast32Bits checks that index arithmetic stays correct
// once write/read indices wrap past 2^32. We seed the internal atomics close
// to the wrap boundary rather than publishing four billion entries.
func TestWraparoundPast32Bits(t *testing.T) {
	const capacity = 16
	r, err := New(capacity)
	if err != nil {
		t.Fatal(err)
	}

	nearMax := ^uint32(0) - 2 // 2^32 - 3
	r.writeIndex.Store(nearMax)
	r.readIndex.Store(nearMax)

	// Publish 5 entries, which will carry the write index across the 2^32
	// wraparound boundary.
	for i := 0; i < 5; i++ {
		r.Publish(Entry{ThreadID: uint32(i)})
	}

	if r.writeIndex.Load() != nearMax+5 { // wraps to 2 via uint32 overflow
		t.Fatalf("writeIndex = %d, want %d", r.writeIndex.Load(), nearMax+5)
	}

	res := r.Drain()
	if res.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", res.Dropped)
	}
	if len(res.Entries) != 5 {
		t.Fatalf("len(Entries) = %d, want 5", len(res.Entries))
	}
	for i, e := range res.Entries {
		if e.ThreadID != uint32(i) {
			t.Errorf("Entries[%d].ThreadID = %d, want %d", i, e.ThreadID, i)
		}
	}
}

// TestConcurrentProducersSingleConsumer exercises the intended usage shape:
// many goroutines publishing concurrently while one goroutine drains in a
// loop, verified under the race detector for data races on the completion
// markers and indices.
func TestConcurrentProducersSingleConsumer(t *testing.T) {
	const (
		producers     = 8
		perProducer   = 2000
		capacity      = 1024
	)
	r, err := New(capacity)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var totalDrained, totalDropped atomic.Uint64
	consumerDone := make(chan struct{})

	go func() {
		defer close(consumerDone)
		for {
			select {
			case <-done:
				res := r.Drain() // final drain after producers finish
				totalDrained.Add(uint64(len(res.Entries)))
				totalDropped.Add(uint64(res.Dropped))
				return
			default:
				res := r.Drain()
				totalDrained.Add(uint64(len(res.Entries)))
				totalDropped.Add(uint64(res.Dropped))
			}
		}
	}()

	var producerWG sync.WaitGroup
	producerWG.Add(producers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer producerWG.Done()
			for i := 0; i < perProducer; i++ {
				r.Publish(Entry{ThreadID: uint32(id), TimestampTick: uint64(i)})
			}
		}(p)
	}

	producerWG.Wait()
	close(done)
	<-consumerDone

	total := producers * perProducer
	got := totalDrained.Load() + totalDropped.Load()
	if int(got) != total {
		t.Errorf("drained+dropped = %d, want %d (published count must be conserved)", got, total)
	}
}
