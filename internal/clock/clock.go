// Package clock abstracts time so backoff and retention logic can be
// driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock only moves when Advance or Set is called.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

// Advance moves time forward and fires every waiter whose deadline has
// been reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var fire, keep []*fakeWaiter
	for _, w := range c.waiters {
		if w.deadline.After(now) {
			keep = append(keep, w)
		} else {
			fire = append(fire, w)
		}
	}
	c.waiters = keep
	c.changed.Broadcast()
	c.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].deadline.Before(fire[j].deadline) })
	for _, w := range fire {
		w.ch <- now
	}
}

// WaitForTimers blocks until at least n waiters are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
