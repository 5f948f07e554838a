package simulator

import "math/rand"

// A Network carries Messages between Nodes.
type Network interface {
	// Send starts delivering messages without blocking.
	// Each successful message eventually arrives on its
	// Dest port's Incoming stream.
	//
	// Passing related messages in one call lets the
	// Network plan their delivery together.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork delivers each message after an
// independent, uniformly random delay.
type RandomNetwork struct {
	// MaxDelay bounds the delay. If zero, 1 is used.
	MaxDelay float64
}

// Send schedules every message with its own random delay.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	maxDelay := r.MaxDelay
	if maxDelay == 0 {
		maxDelay = 1
	}
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64()*maxDelay)
	}
}
