package framing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strobehq/strobe/internal/errs"
)

func TestConfirmerDeliverBeforeAwait(t *testing.T) {
	c := NewConfirmer()
	c.Register("b1")
	c.Deliver("b1", InstallHooksAck{BatchID: "b1", Count: 3})

	ack, err := c.Await(context.Background(), "b1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, ack.(InstallHooksAck).Count)
}

func TestConfirmerAwaitThenDeliver(t *testing.T) {
	c := NewConfirmer()
	c.Register("b1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Deliver("b1", RemoveHooksAck{BatchID: "b1"})
	}()

	ack, err := c.Await(context.Background(), "b1", time.Second)
	require.NoError(t, err)
	assert.IsType(t, RemoveHooksAck{}, ack)
}

func TestConfirmerTimeout(t *testing.T) {
	c := NewConfirmer()
	c.Register("b1")

	_, err := c.Await(context.Background(), "b1", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTimeout))

	// The slot is cleaned up; a late Deliver is silently dropped.
	c.Deliver("b1", InstallHooksAck{})
}

func TestConfirmerUnregisteredBatch(t *testing.T) {
	c := NewConfirmer()
	_, err := c.Await(context.Background(), "never-registered", time.Second)
	assert.Error(t, err)
}

func TestConfirmerContextCancel(t *testing.T) {
	c := NewConfirmer()
	c.Register("b1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Await(ctx, "b1", time.Minute)
	assert.Error(t, err)
}

func TestConfirmerDeliverToNobody(t *testing.T) {
	c := NewConfirmer()
	c.Deliver("ghost", InstallHooksAck{}) // no panic, no block
}

func TestCodecRoundTrip(t *testing.T) {
	msgs := []any{
		InstallHooksMessage{BatchID: "b1", Hooks: []InstallHookReq{{Address: 0x400, Name: "f", Mode: ModeFull}}},
		InstallHooksAck{BatchID: "b1", Count: 1, FuncIDs: []uint32{0}},
		RemoveHooksMessage{BatchID: "b2", FuncIDs: []uint32{1, 2}},
		SetBreakpointMessage{BatchID: "b3", ID: "bp1", Address: 0x500, Condition: "args[0] > 3"},
		RemoveBreakpointMessage{BatchID: "b4", ID: "bp1"},
		SetWatchesMessage{BatchID: "b5", Watches: []WatchWire{{ID: "w1", Recipe: &RecipeWire{Name: "g", BaseAddress: 0x2000, ElementSize: 8}}}},
		ResumeMessage{ThreadID: 7, OneShot: []uint64{0x600}},
		ReadMemoryMessage{BatchID: "b6", Recipes: []RecipeWire{{Name: "g", BaseAddress: 0x2000, ElementSize: 4}}},
		WriteMemoryMessage{BatchID: "b7", Targets: []WriteMemoryTarget{{Address: 0x2000, Bytes: []byte{1, 2}}}},
		EventsBatchMessage{SessionID: "s", Events: []EventWire{{Kind: "function-enter", FuncID: 1, ThreadID: 7, TimestampNs: 100}}},
		PausedMessage{SessionID: "s", ThreadID: 7, BreakpointID: "bp1", Address: 0x500},
		LogpointMessage{SessionID: "s", LogpointID: "lp1", Text: "n is 42"},
		ConditionErrorMessage{SessionID: "s", TargetID: "bp1", Err: "boom"},
		OverflowMessage{SessionID: "s", Dropped: 136},
		CrashMessage{SessionID: "s", Reason: "SIGSEGV"},
	}
	for _, msg := range msgs {
		data, err := Marshal(msg)
		require.NoError(t, err, "%T", msg)
		got, err := Unmarshal(data)
		require.NoError(t, err, "%T", msg)
		assert.Equal(t, msg, got, "%T round-trip", msg)
	}
}

func TestCodecRejectsUnknown(t *testing.T) {
	_, err := Marshal(struct{ X int }{1})
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"no-such-message","payload":{}}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}
