package reflow

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDebounceCollapse(t *testing.T) {
	mock := newTestClock()
	var n atomic.Int32
	debouncer := NewDebouncer(mock, 250*time.Millisecond, func() {
		n.Add(1)
	})

	debouncer.Schedule()
	mock.Add(100 * time.Millisecond)
	debouncer.Schedule()
	mock.Add(200 * time.Millisecond)
	// 300ms after the first schedule, 200ms after the last
	assert.Equal(t, n.Load(), int32(0))
	assert.Equal(t, debouncer.Pending(), true)

	mock.Add(50 * time.Millisecond)
	waitFor(t, 5*time.Second, func() bool {
		return n.Load() == 1
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n.Load(), int32(1))
	assert.Equal(t, debouncer.Pending(), false)
}

func TestDebounceFlushCancel(t *testing.T) {
	mock := newTestClock()
	var n atomic.Int32
	debouncer := NewDebouncer(mock, 250*time.Millisecond, func() {
		n.Add(1)
	})

	assert.Equal(t, debouncer.Flush(), false)

	debouncer.Schedule()
	assert.Equal(t, debouncer.Flush(), true)
	assert.Equal(t, n.Load(), int32(1))
	// the flushed timer does not fire again
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n.Load(), int32(1))

	debouncer.Schedule()
	assert.Equal(t, debouncer.CancelPending(), true)
	assert.Equal(t, debouncer.CancelPending(), false)
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n.Load(), int32(1))

	debouncer.Close()
	debouncer.Schedule()
	assert.Equal(t, debouncer.Pending(), false)
}
