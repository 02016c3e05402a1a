package session

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// Alarm runs a callback once after a delay. Scheduling again replaces any
// pending callback.
type Alarm interface {
	// Schedule arranges for f to run after d.
	Schedule(d time.Duration, f func())

	// Cancel drops the pending callback, if any.
	Cancel()

	// Stop cancels the alarm and waits for a running callback to return.
	Stop()
}

// ClockAlarm is an Alarm driven by a clock.Clock, so tests can fire it by
// advancing a test clock.
type ClockAlarm struct {
	clock clock.Clock

	mu      sync.Mutex
	cancel  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewClockAlarm returns an alarm driven by clk.
func NewClockAlarm(clk clock.Clock) *ClockAlarm {
	return &ClockAlarm{clock: clk}
}

// Schedule implements Alarm.
func (a *ClockAlarm) Schedule(d time.Duration, f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return
	}

	a.cancelLocked()

	cancel := make(chan struct{})
	a.cancel = cancel
	tick := a.clock.TickAfter(d)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		select {
		case <-tick:
		case <-cancel:
			return
		}

		// A concurrent Schedule or Cancel may have won the race with
		// the tick.
		a.mu.Lock()
		current := a.cancel == cancel
		if current {
			a.cancel = nil
		}
		a.mu.Unlock()

		if current {
			f()
		}
	}()
}

// Cancel implements Alarm.
func (a *ClockAlarm) Cancel() {
	a.mu.Lock()
	a.cancelLocked()
	a.mu.Unlock()
}

func (a *ClockAlarm) cancelLocked() {
	if a.cancel != nil {
		close(a.cancel)
		a.cancel = nil
	}
}

// Stop implements Alarm.
func (a *ClockAlarm) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.cancelLocked()
	a.mu.Unlock()

	a.wg.Wait()
}

// A compile-time assertion to ensure ClockAlarm implements Alarm.
var _ Alarm = (*ClockAlarm)(nil)
