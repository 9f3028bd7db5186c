package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSampler() *Sampler {
	return NewSampler(SamplingConfig{
		HighRateHz:  1000,
		LowRateHz:   100,
		AdmitOneIn:  100,
		WindowsUp:   2,
		WindowsDown: 5,
	})
}

// drive feeds calls/window calls per window for the given number of
// windows, returning the admit/sampled outcome of the final call.
func drive(s *Sampler, funcID uint32, start time.Time, windows, callsPerWindow int) (time.Time, bool, bool) {
	now := start
	var admit, sampled bool
	for w := 0; w < windows; w++ {
		for i := 0; i < callsPerWindow; i++ {
			admit, sampled = s.Admit(funcID, now)
		}
		now = now.Add(windowDuration)
	}
	return now, admit, sampled
}

func TestSamplerInactiveAtLowRate(t *testing.T) {
	s := testSampler()
	_, admit, sampled := drive(s, 1, time.Unix(0, 0), 10, 50)
	assert.True(t, admit)
	assert.False(t, sampled)
	assert.False(t, s.Active(1))
}

func TestSamplerActivatesAfterTwoHighWindows(t *testing.T) {
	s := testSampler()
	start := time.Unix(0, 0)

	// One high window is not enough (hysteresis up needs two).
	now, _, _ := drive(s, 1, start, 1, 5000)
	assert.False(t, s.Active(1))

	// Second and third high windows: the streak reaches 2 at the third
	// window's boundary evaluation.
	now, _, _ = drive(s, 1, now, 2, 5000)
	assert.True(t, s.Active(1))
}

func TestSamplerAdmitsOneInN(t *testing.T) {
	s := testSampler()
	now, _, _ := drive(s, 1, time.Unix(0, 0), 3, 5000)
	assert.True(t, s.Active(1))

	admitted := 0
	total := 1000
	for i := 0; i < total; i++ {
		admit, sampled := s.Admit(1, now)
		if admit {
			admitted++
			assert.True(t, sampled, "admitted events under sampling carry sampled=true")
		}
	}
	assert.Equal(t, total/100, admitted, "1 in 100 admission while active")
}

func TestSamplerDeactivatesAfterFiveLowWindows(t *testing.T) {
	s := testSampler()
	now, _, _ := drive(s, 1, time.Unix(0, 0), 3, 5000)
	assert.True(t, s.Active(1))

	// Five consecutive windows at/below the low threshold, plus one more
	// call to trigger the final boundary evaluation.
	now, _, _ = drive(s, 1, now, 5, 10)
	s.Admit(1, now)
	assert.False(t, s.Active(1))

	admit, sampled := s.Admit(1, now)
	assert.True(t, admit)
	assert.False(t, sampled, "events after deactivation carry sampled=false")
}

func TestSamplerStatesAreIndependent(t *testing.T) {
	s := testSampler()
	now, _, _ := drive(s, 1, time.Unix(0, 0), 3, 5000)
	drive(s, 2, now, 3, 10)
	assert.True(t, s.Active(1))
	assert.False(t, s.Active(2))
}

func TestSamplerReset(t *testing.T) {
	s := testSampler()
	drive(s, 1, time.Unix(0, 0), 3, 5000)
	assert.True(t, s.Active(1))
	s.Reset(1)
	assert.False(t, s.Active(1))
}
