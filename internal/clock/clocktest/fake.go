// Package clocktest provides a manually advanced Clock for tests.
package clocktest

import (
	"sync"
	"time"

	"github.com/aveer-dev/collabsync/internal/clock"
)

// Fake is a Clock whose time only moves when Advance is called.
// Timers and tickers fire synchronously inside Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake returns a Fake positioned at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) clock.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{
		fake:     f,
		ch:       make(chan time.Time, 1),
		deadline: f.now.Add(d),
		active:   true,
	}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) clock.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		fake:   f,
		ch:     make(chan time.Time, 1),
		period: d,
		next:   f.now.Add(d),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward and fires every timer and ticker whose
// deadline falls inside the window, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		var nearest time.Time
		fired := false
		for _, t := range f.timers {
			if t.active && !t.deadline.After(target) && (!fired || t.deadline.Before(nearest)) {
				nearest = t.deadline
				fired = true
			}
		}
		for _, t := range f.tickers {
			if !t.stopped && !t.next.After(target) && (!fired || t.next.Before(nearest)) {
				nearest = t.next
				fired = true
			}
		}
		if !fired {
			break
		}
		f.now = nearest
		for _, t := range f.timers {
			if t.active && !t.deadline.After(f.now) {
				t.active = false
				select {
				case t.ch <- f.now:
				default:
				}
			}
		}
		for _, t := range f.tickers {
			if !t.stopped && !t.next.After(f.now) {
				t.next = t.next.Add(t.period)
				select {
				case t.ch <- f.now:
				default:
				}
			}
		}
	}
	f.now = target
	f.mu.Unlock()
	// Let goroutines blocked on the fired channels run before returning.
	time.Sleep(time.Millisecond)
}

type fakeTimer struct {
	fake     *Fake
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	was := t.active
	t.deadline = t.fake.now.Add(d)
	t.active = true
	return was
}

type fakeTicker struct {
	fake    *Fake
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	t.stopped = true
}
