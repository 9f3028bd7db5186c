package agent

import "sync"

// OneShotHooks installs native intercepts that detach themselves before
// their callback body runs, preventing accumulation across repeated
// steps. The step controller implements step-over/into/out entirely as
// these temporary hooks rather than a special single-step CPU mode.
type OneShotHooks struct {
	backend Backend

	mu      sync.Mutex
	detach  map[uint64]func() // address -> detach function, while still armed
}

// NewOneShotHooks builds a manager bound to backend.
func NewOneShotHooks(backend Backend) *OneShotHooks {
	return &OneShotHooks{backend: backend, detach: make(map[uint64]func())}
}

// Install arms a one-shot hook at addr. onFire is called with the firing
// thread id after the hook has already detached itself, so a completed
// step operation always leaves zero of its hooks installed even if
// onFire panics or blocks.
func (o *OneShotHooks) Install(addr uint64, onFire func(threadID uint32)) error {
	var detachFn func()
	fire := func(threadID uint32) {
		o.mu.Lock()
		d, ok := o.detach[addr]
		if ok {
			delete(o.detach, addr)
		}
		o.mu.Unlock()
		if ok && d != nil {
			d()
		}
		onFire(threadID)
	}

	d, err := o.backend.InstallListener(addr,
		func(threadID uint32, _, _ uint64) { fire(threadID) },
		nil,
	)
	if err != nil {
		return err
	}
	detachFn = d

	o.mu.Lock()
	o.detach[addr] = detachFn
	o.mu.Unlock()
	return nil
}

// DetachAll detaches every still-armed one-shot hook, used when a step
// operation's other candidate hook fires first or when the operation is
// abandoned.
func (o *OneShotHooks) DetachAll(addrs ...uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, addr := range addrs {
		if d, ok := o.detach[addr]; ok {
			d()
			delete(o.detach, addr)
		}
	}
}

// Armed reports how many one-shot hooks are currently installed.
func (o *OneShotHooks) Armed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.detach)
}
