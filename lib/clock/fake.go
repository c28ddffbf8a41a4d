// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a Clock whose time moves only when Advance is called.
// Pending After channels, AfterFunc callbacks, tickers and sleeps fire
// during Advance in deadline order. AfterFunc callbacks run on the
// goroutine calling Advance and must not call Advance themselves.
//
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

type pendingTimer struct {
	deadline time.Time

	// Exactly one of channel and callback is set.
	channel  chan time.Time
	callback func()

	// period is non-zero for tickers, which are rescheduled after
	// firing instead of being removed.
	period time.Duration

	cancelled bool
	fired     bool
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has advanced by d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&pendingTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run during the Advance call that crosses d.
// A non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	entry := &pendingTimer{deadline: c.now.Add(d), callback: f}
	c.addLocked(entry)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.cancelled || entry.fired {
				return false
			}
			entry.cancelled = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := !entry.cancelled && !entry.fired
			entry.deadline = c.now.Add(d)
			entry.cancelled = false
			entry.fired = false
			c.ensureLocked(entry)
			return wasPending
		},
	}
}

// NewTicker returns a ticker that fires every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	entry := &pendingTimer{deadline: c.now.Add(d), channel: channel, period: d}
	c.addLocked(entry)
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.cancelled = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.cancelled = false
			c.ensureLocked(entry)
			entry.period = d
			entry.deadline = c.now.Add(d)
		},
	}
}

// Sleep blocks until the clock has advanced by d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Set moves the clock to t (which must not be before the current time)
// and fires everything that became due.
func (c *FakeClock) Set(t time.Time) {
	c.Advance(t.Sub(c.Now()))
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is at or before the new time. Channel sends never block;
// a full ticker channel drops the tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, entry := range due {
			if entry.callback != nil {
				entry.callback()
				continue
			}
			select {
			case entry.channel <- target:
			default:
			}
		}
	}
}

// takeDue removes due one-shot timers, reschedules due tickers, and
// returns the due entries sorted by deadline.
func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingTimer
	for _, entry := range c.pending {
		switch {
		case entry.cancelled:
		case entry.deadline.After(target):
			keep = append(keep, entry)
		default:
			due = append(due, entry)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	fired := make([]*pendingTimer, len(due))
	for i, entry := range due {
		snapshot := *entry
		fired[i] = &snapshot
		if entry.period > 0 {
			entry.deadline = entry.deadline.Add(entry.period)
			keep = append(keep, entry)
		} else {
			entry.fired = true
		}
	}
	c.pending = keep
	return fired
}

// WaitForTimers blocks until at least n timers, tickers or sleeps are
// registered. Use it to make sure a goroutine has parked on the clock
// before advancing:
//
//	go dispatcher.Run(ctx)
//	fakeClock.WaitForTimers(1)
//	fakeClock.Advance(time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of registered, uncancelled timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) addLocked(entry *pendingTimer) {
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

// ensureLocked re-registers an entry that takeDue may have dropped.
func (c *FakeClock) ensureLocked(entry *pendingTimer) {
	for _, existing := range c.pending {
		if existing == entry {
			c.changed.Broadcast()
			return
		}
	}
	c.addLocked(entry)
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.cancelled {
			count++
		}
	}
	return count
}
