// Package simulator runs simulated machines against a
// shared virtual clock.
//
// Each simulated machine is a Goroutine started with
// EventLoop.Go. Virtual time only advances while every
// machine is blocked waiting for an event, so real
// computation takes no virtual time unless a machine
// charges for it with Handle.Sleep.
package simulator

import (
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// Goroutine is polling and no timers remain.
var ErrDeadlock = errors.New("deadlock: all Handles are polling")

// An EventLoop is a global scheduler for events in a
// simulated distributed system.
//
// All Goroutines which access an EventLoop should be
// started using the EventLoop.Go() method.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle
	time    float64
	running bool
	aborted bool

	// wakeup is signaled whenever a Handle starts or
	// stops waiting, which is the only time the loop can
	// make progress.
	wakeup chan struct{}
}

// NewEventLoop creates an event loop whose clock starts
// at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{wakeup: make(chan struct{}, 1)}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		f(h)
		e.changeHandles(func() {
			for i, other := range e.handles {
				if other == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("Handle was already released")
		})
	}()
}

// Run advances the clock until every Goroutine started
// with Go has returned.
//
// If every remaining Goroutine is waiting for an event
// that can never arrive, the loop is aborted: every
// pending and future Poll returns nil. Run then waits for
// the Goroutines to return and reports ErrDeadlock.
//
// Run must not be called concurrently.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for {
		if progress, err := e.advance(); !progress {
			return err
		}
		<-e.wakeup
	}
}

// MustRun is like Run, but it panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Aborted checks if the loop gave up after a deadlock.
func (e *EventLoop) Aborted() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.aborted
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// withLock calls f while holding the loop's lock.
//
// f must not change whether any Handle is waiting; use
// changeHandles for that.
func (e *EventLoop) withLock(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// changeHandles is like withLock, but wakes the loop up
// afterwards, since f may have changed which Handles are
// waiting.
func (e *EventLoop) changeHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.wakeup <- struct{}{}:
		default:
		}
	}()
	f()
}

// advance fires timers until one of them wakes up a
// Handle.
//
// It returns false once every Handle has returned, along
// with ErrDeadlock if the loop had to be aborted first.
func (e *EventLoop) advance() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		if e.aborted {
			return false, ErrDeadlock
		}
		return false, nil
	}
	for _, h := range e.handles {
		if h.wake == nil {
			// Virtual time stands still while any
			// Goroutine is computing.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		idx := e.nextTimer()
		timer := e.timers[idx]
		essentials.UnorderedDelete(&e.timers, idx)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}
	e.abort()
	return true, nil
}

// abort releases every waiting Handle with a nil event.
func (e *EventLoop) abort() {
	e.aborted = true
	for _, h := range e.handles {
		if h.wake != nil {
			close(h.wake)
			h.wake = nil
			h.waiting = nil
		}
	}
}

// nextTimer picks the earliest timer, breaking ties at
// random so that simultaneous events have no fixed order.
func (e *EventLoop) nextTimer() int {
	order := rand.Perm(len(e.timers))
	best := order[0]
	for _, i := range order[1:] {
		if e.timers[i].time < e.timers[best].time {
			best = i
		}
	}
	return best
}

// deliver hands an event to a random Handle waiting on its
// stream, or queues it on the stream if nobody is waiting.
//
// It reports whether a Handle was woken up.
func (e *EventLoop) deliver(event *Event) bool {
	for _, i := range rand.Perm(len(e.handles)) {
		h := e.handles[i]
		for _, stream := range h.waiting {
			if stream == event.Stream {
				h.wake <- event
				h.wake = nil
				h.waiting = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
