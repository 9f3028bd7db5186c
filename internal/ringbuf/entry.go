package ringbuf

import "encoding/binary"

// EntrySize is the fixed size in bytes of one ring entry. Go's
// sync/atomic package has no 16-bit primitive, so the completion marker
// (and the entry-kind flag next to it) are 4-byte words — a 48-byte
// entry total, with the marker still the last field written and the
// first field read. See ring.go.
const EntrySize = 48

const (
	offFuncID       = 0
	offThreadID     = 4
	offTimestamp    = 8
	offEnterArg0    = 16
	offEnterArg1    = 24
	offReturnValue  = 32
	offFlags        = 40
	offCompletion   = 44
)

// completionSentinel is the value written to the completion-marker word
// once an entry is fully published. Any other value (most commonly zero,
// the word's rest state) means the slot is still being written.
const completionSentinel uint32 = 0xFFFF

// flagIsEntry marks an entry as a function-enter record; its absence marks
// a function-exit record.
const flagIsEntry uint32 = 1 << 0

// flagSampled marks an entry admitted under active sampling.
const flagSampled uint32 = 1 << 1

// EncodeFuncID packs a hook's func-id and its capture mode into the 32-bit
// field the ring stores: the low bit is the mode bit, the remaining 31 bits
// are the id. Func-ids are capped at 2^30 per session (maxFuncID in internal/agent/tracer.go) so this
// never collides with the reserved bit on a signed shift.
func EncodeFuncID(id uint32, fullMode bool) uint32 {
	packed := id << 1
	if fullMode {
		packed |= 1
	}
	return packed
}

// DecodeFuncID reverses EncodeFuncID.
func DecodeFuncID(packed uint32) (id uint32, fullMode bool) {
	return packed >> 1, packed&1 == 1
}

// Entry is the decoded, host-native form of one ring slot. Producers never
// construct this directly (that would defeat the point of an allocation-free
// hot path); it exists for the consumer side and for tests.
type Entry struct {
	FuncIDPacked  uint32
	ThreadID      uint32
	TimestampTick uint64
	EnterArg0     uint64
	EnterArg1     uint64
	ReturnValue   uint64
	IsEntry       bool
	Sampled       bool
}

// FuncID returns the unpacked func-id and capture mode.
func (e Entry) FuncID() (id uint32, fullMode bool) {
	return DecodeFuncID(e.FuncIDPacked)
}

// encode writes e into dst (which must be EntrySize bytes), leaving the
// completion marker for last. Called only by the producer.
func encode(dst []byte, e Entry) {
	binary.LittleEndian.PutUint32(dst[offFuncID:], e.FuncIDPacked)
	binary.LittleEndian.PutUint32(dst[offThreadID:], e.ThreadID)
	binary.LittleEndian.PutUint64(dst[offTimestamp:], e.TimestampTick)
	binary.LittleEndian.PutUint64(dst[offEnterArg0:], e.EnterArg0)
	binary.LittleEndian.PutUint64(dst[offEnterArg1:], e.EnterArg1)
	binary.LittleEndian.PutUint64(dst[offReturnValue:], e.ReturnValue)

	var flags uint32
	if e.IsEntry {
		flags |= flagIsEntry
	}
	if e.Sampled {
		flags |= flagSampled
	}
	binary.LittleEndian.PutUint32(dst[offFlags:], flags)
	// offCompletion is written separately, with atomic release semantics,
	// by the caller — never here.
}

// decode reads a fully-published slot back into an Entry. Called only by
// the consumer, and only after observing the completion sentinel.
func decode(src []byte) Entry {
	flags := binary.LittleEndian.Uint32(src[offFlags:])
	return Entry{
		FuncIDPacked:  binary.LittleEndian.Uint32(src[offFuncID:]),
		ThreadID:      binary.LittleEndian.Uint32(src[offThreadID:]),
		TimestampTick: binary.LittleEndian.Uint64(src[offTimestamp:]),
		EnterArg0:     binary.LittleEndian.Uint64(src[offEnterArg0:]),
		EnterArg1:     binary.LittleEndian.Uint64(src[offEnterArg1:]),
		ReturnValue:   binary.LittleEndian.Uint64(src[offReturnValue:]),
		IsEntry:       flags&flagIsEntry != 0,
		Sampled:       flags&flagSampled != 0,
	}
}
