package agent

import (
	"sync"
	"time"
)

// windowDuration is the width of one rate-estimation window. One second
// gives the hysteresis counters (2 windows up, 5 windows down) a
// human-legible meaning: sampling engages after ~2s of sustained high
// rate and disengages after ~5s below the low-rate threshold.
const windowDuration = time.Second

// SamplingConfig carries the thresholds from the layered settings store.
type SamplingConfig struct {
	HighRateHz   int
	LowRateHz    int
	AdmitOneIn   int
	WindowsUp    int
	WindowsDown  int
}

// funcSamplingState tracks one hook's call-rate estimate and whether
// sampling is currently active for it.
type funcSamplingState struct {
	windowStart   time.Time
	windowCalls   int
	aboveStreak   int
	belowStreak   int
	active        bool
	admittedSince uint64 // counts calls while active, for the 1-in-N gate
}

// Sampler is the per-function adaptive sampler: a sliding-window
// call-rate estimator with hysteresis, so that a single hot function
// cannot exhaust the ring at the expense of every other hook's events.
// One small state struct per func-id, guarded by one lock; the func-id
// space grows dynamically as hooks install.
type Sampler struct {
	cfg SamplingConfig

	mu     sync.Mutex
	states map[uint32]*funcSamplingState
}

// NewSampler builds a Sampler from resolved settings.
func NewSampler(cfg SamplingConfig) *Sampler {
	if cfg.AdmitOneIn <= 0 {
		cfg.AdmitOneIn = 100
	}
	if cfg.WindowsUp <= 0 {
		cfg.WindowsUp = 2
	}
	if cfg.WindowsDown <= 0 {
		cfg.WindowsDown = 5
	}
	return &Sampler{cfg: cfg, states: make(map[uint32]*funcSamplingState)}
}

// Admit records one call to funcID at time now and reports whether the
// resulting event should be admitted to the ring, and whether it should be
// marked sampled=true. Called from hook callbacks on arbitrary threads.
func (s *Sampler) Admit(funcID uint32, now time.Time) (admit bool, sampled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[funcID]
	if !ok {
		st = &funcSamplingState{windowStart: now}
		s.states[funcID] = st
	}

	if now.Sub(st.windowStart) >= windowDuration {
		rate := st.windowCalls // calls in the window just closed, ~= Hz since window is 1s
		st.windowStart = now
		st.windowCalls = 0

		if rate >= s.cfg.HighRateHz {
			st.aboveStreak++
			st.belowStreak = 0
		} else if rate <= s.cfg.LowRateHz {
			st.belowStreak++
			st.aboveStreak = 0
		} else {
			st.aboveStreak = 0
			st.belowStreak = 0
		}

		if !st.active && st.aboveStreak >= s.cfg.WindowsUp {
			st.active = true
			st.admittedSince = 0
		} else if st.active && st.belowStreak >= s.cfg.WindowsDown {
			st.active = false
		}
	}

	st.windowCalls++

	if !st.active {
		return true, false
	}

	st.admittedSince++
	if (st.admittedSince-1)%uint64(s.cfg.AdmitOneIn) == 0 {
		return true, true
	}
	return false, true
}

// Reset drops sampling state for a func-id, e.g. when its hook is removed
// and the func-id may be reused by a future install within this session's
// id space (it won't be, ids are monotonic, but stale state would just
// leak otherwise).
func (s *Sampler) Reset(funcID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, funcID)
}

// Active reports whether sampling is currently engaged for funcID. Exposed
// for status reporting and tests.
func (s *Sampler) Active(funcID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[funcID]
	return ok && st.active
}
