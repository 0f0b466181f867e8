package reflow

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultDebounceDelay = 250 * time.Millisecond

// Debouncer runs `fn` once, `delay` after the last `Schedule` (trailing edge).
// Each state machine owns its own debouncer, there is no shared timer.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func()

	mutex  sync.Mutex
	timer  *clock.Timer
	closed bool
	// incremented on every schedule and cancel, so a timer that fires late is a no-op
	generation uint64
}

func NewDebouncer(clk clock.Clock, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		clock: clk,
		delay: delay,
		fn:    fn,
	}
}

func (self *Debouncer) Schedule() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	if self.timer != nil {
		self.timer.Stop()
	}
	self.generation += 1
	generation := self.generation
	self.timer = self.clock.AfterFunc(self.delay, func() {
		self.fire(generation)
	})
}

func (self *Debouncer) fire(generation uint64) {
	self.mutex.Lock()
	if self.generation != generation || self.timer == nil {
		self.mutex.Unlock()
		return
	}
	self.timer = nil
	self.mutex.Unlock()

	HandleError(self.fn)
}

func (self *Debouncer) Pending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.timer != nil
}

// returns true if a pending run was canceled
func (self *Debouncer) CancelPending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.cancelPending()
}

func (self *Debouncer) cancelPending() bool {
	if self.timer == nil {
		return false
	}
	self.timer.Stop()
	self.timer = nil
	self.generation += 1
	return true
}

// runs a pending call now, in the calling goroutine. Returns false if nothing was pending.
func (self *Debouncer) Flush() bool {
	self.mutex.Lock()
	pending := self.cancelPending()
	self.mutex.Unlock()

	if pending {
		HandleError(self.fn)
	}
	return pending
}

func (self *Debouncer) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.cancelPending()
	self.closed = true
}
