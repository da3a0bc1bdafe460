package presence

import (
	"sync"
	"time"
)

// throttle runs fn at most once per window. The first trigger in a quiet
// period runs immediately (leading edge); triggers arriving inside the window
// are folded into one run when the window closes (trailing edge). fn reads
// whatever state is current when it runs, so the trailing run always sees the
// last trigger of the window.
type throttle struct {
	window time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

func newThrottle(window time.Duration, fn func()) *throttle {
	return &throttle{window: window, fn: fn}
}

func (t *throttle) Trigger() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.pending = true
		t.mu.Unlock()
		return
	}
	t.timer = time.AfterFunc(t.window, t.expire)
	t.mu.Unlock()
	t.fn()
}

func (t *throttle) expire() {
	t.mu.Lock()
	if t.stopped || !t.pending {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.timer = time.AfterFunc(t.window, t.expire)
	t.mu.Unlock()
	t.fn()
}

// Stop cancels any scheduled trailing run. Triggers after Stop are ignored.
func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
