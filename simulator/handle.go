package simulator

import (
	"fmt"
	"math"

	"github.com/unixpickle/essentials"
)

// An EventStream is a uni-directional channel of events
// that are passed through an EventLoop.
//
// It is only safe to use an EventStream on one EventLoop
// at once.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single delivery scheduled for the virtual
// future.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time at which the timer fires.
//
// While the clock is below Time(), the timer is
// guaranteed not to have fired.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one Goroutine's access to an EventLoop.
// Handles must not be shared between Goroutines.
type Handle struct {
	*EventLoop

	// Set only while the Goroutine is blocked in Poll.
	waiting []*EventStream
	wake    chan<- *Event
}

// Poll blocks until an event arrives on any of the
// streams.
//
// Queued events are taken in the order the streams are
// listed.
// Returns nil if the loop was aborted, in which case the
// Goroutine should return.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.changeHandles(func() {
		if h.wake != nil {
			panic("Handle is shared between Goroutines")
		}
		if h.aborted {
			close(ch)
			return
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.waiting = streams
		h.wake = ch
	})
	return <-ch
}

// PollTimeout is like Poll, but it gives up once the
// given amount of virtual time has elapsed.
//
// Returns nil if the timeout fired before any event
// arrived on the streams, or if the loop was aborted.
// A non-positive timeout waits forever.
func (h *Handle) PollTimeout(timeout float64, streams ...*EventStream) *Event {
	if timeout <= 0 {
		return h.Poll(streams...)
	}
	deadline := h.Stream()
	timer := h.Schedule(deadline, nil, timeout)
	event := h.Poll(append(append([]*EventStream{}, streams...), deadline)...)
	if event == nil || event.Stream == deadline {
		return nil
	}
	h.Cancel(timer)
	return event
}

// Schedule delivers msg on a stream after a virtual
// delay.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.withLock(func() {
		timer = &Timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
		}
		if math.IsInf(timer.time, 0) || math.IsNaN(timer.time) {
			panic(fmt.Sprintf("invalid deadline: %f", timer.time))
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel stops a timer that has not fired yet.
// Cancelling a fired or cancelled timer does nothing.
func (h *Handle) Cancel(t *Timer) {
	h.withLock(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
				return
			}
		}
	})
}

// Sleep lets a certain amount of virtual time elapse.
//
// This is how a simulated machine charges for the time a
// computation would take.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}
