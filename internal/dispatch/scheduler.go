package dispatch

import (
	"sync"
	"time"
)

// Scheduler arms offer response deadlines. It is the only component that
// does time-based scheduling.
type Scheduler struct{}

// Handle is an armed deadline. Exactly one of {fire, cancel} wins: a
// cancelled handle never invokes its callback, and once the callback has
// started, Cancel reports failure.
type Handle struct {
	mu        sync.Mutex
	timer     *time.Timer
	fired     bool
	cancelled bool
}

// Arm schedules fn after d. fn runs on the timer goroutine.
func (s *Scheduler) Arm(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		if h.cancelled {
			h.mu.Unlock()
			return
		}
		h.fired = true
		h.mu.Unlock()
		fn()
	})
	return h
}

// Cancel prevents the callback from running and reports whether it won
// the race against the deadline.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired {
		return false
	}
	if !h.cancelled {
		h.cancelled = true
		h.timer.Stop()
	}
	return true
}
