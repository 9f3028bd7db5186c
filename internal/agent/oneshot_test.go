package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneShotDetachesBeforeFiring(t *testing.T) {
	backend := NewSimBackend()
	hooks := NewOneShotHooks(backend)

	var armedAtFire int
	require.NoError(t, hooks.Install(0x500, func(threadID uint32) {
		// The hook has already detached itself by the time the body
		// runs.
		armedAtFire = hooks.Armed()
	}))
	assert.Equal(t, 1, hooks.Armed())

	backend.Call(0x500, 1, 0, 0, 0)
	assert.Equal(t, 0, armedAtFire)
	assert.Equal(t, 0, hooks.Armed())
	assert.Equal(t, 0, backend.ListenerCount(0x500))
}

func TestOneShotFiresOnce(t *testing.T) {
	backend := NewSimBackend()
	hooks := NewOneShotHooks(backend)

	fired := 0
	require.NoError(t, hooks.Install(0x500, func(uint32) { fired++ }))

	backend.Call(0x500, 1, 0, 0, 0)
	backend.Call(0x500, 1, 0, 0, 0)
	assert.Equal(t, 1, fired)
}

func TestOneShotDetachAllOthers(t *testing.T) {
	backend := NewSimBackend()
	hooks := NewOneShotHooks(backend)

	// A step-over arms two candidates; the first to fire detaches the
	// other.
	var fired []uint64
	require.NoError(t, hooks.Install(0x500, func(uint32) {
		fired = append(fired, 0x500)
		hooks.DetachAll(0x600)
	}))
	require.NoError(t, hooks.Install(0x600, func(uint32) {
		fired = append(fired, 0x600)
	}))

	backend.Call(0x500, 1, 0, 0, 0)
	backend.Call(0x600, 1, 0, 0, 0)

	assert.Equal(t, []uint64{0x500}, fired)
	assert.Equal(t, 0, hooks.Armed())
}
