package collcomm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/moe-sys/simulator"
)

// Float64Size is the wire size of a full-precision
// element, in bytes.
const Float64Size = 8

// Comms is one node's view of a reduction group.
//
// Unlike a bare set of ports, a Comms object may be reused
// for many collective operations in a row.
// Every message is tagged with the sequence number of the
// operation that sent it, and messages that arrive early
// for a later operation are held back until that
// operation begins.
type Comms struct {
	// Handle is the node's main Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	// Port is the current node's port in this group.
	Port *simulator.Port

	// Ports contains ports to all the nodes in the group,
	// including the current node, ordered by group rank.
	Ports []*simulator.Port

	// Network is the network connecting the nodes.
	Network simulator.Network

	// Name identifies the group in errors and logs.
	Name string

	// Timeout is the amount of virtual time to wait for
	// any single message before failing.
	// If zero, receives block forever and a lost peer
	// shows up as a deadlock of the whole event loop.
	Timeout float64

	// ElemSize is the number of bytes charged per vector
	// element. If zero, Float64Size is used.
	ElemSize float64

	op        int64
	early     []*envelope
	bytesSent float64
}

// envelope tags a payload with the operation that sent it.
type envelope struct {
	op      int64
	source  *simulator.Port
	payload interface{}
}

// Begin starts a new collective operation.
//
// Every member of the group must call Begin the same
// number of times, in the same order relative to its
// sends and receives.
func (c *Comms) Begin() {
	c.op++
}

// Op returns the sequence number of the current
// operation.
func (c *Comms) Op() int64 {
	return c.op
}

// Size gets the number of nodes.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// BytesSent returns the total simulated payload this node
// has handed to the network through c.
func (c *Comms) BytesSent() float64 {
	return c.bytesSent
}

// VecSize computes the wire size of a vector.
func (c *Comms) VecSize(vec []float64) float64 {
	elemSize := c.ElemSize
	if elemSize == 0 {
		elemSize = Float64Size
	}
	return float64(len(vec)) * elemSize
}

// Bcast sends a vector to every other node.
func (c *Comms) Bcast(vec []float64) {
	messages := make([]*simulator.Message, 0, len(c.Ports)-1)
	for _, port := range c.Ports {
		if port == c.Port {
			continue
		}
		messages = append(messages, c.message(port, vec, c.VecSize(vec)))
	}
	c.Network.Send(c.Handle, messages...)
}

// Send schedules a vector to be sent to the destination.
func (c *Comms) Send(dst *simulator.Port, vec []float64) {
	c.SendMsg(dst, vec, c.VecSize(vec))
}

// SendMsg schedules an arbitrary payload of the given
// wire size to be sent to the destination.
func (c *Comms) SendMsg(dst *simulator.Port, payload interface{}, size float64) {
	c.Network.Send(c.Handle, c.message(dst, payload, size))
}

func (c *Comms) message(dst *simulator.Port, payload interface{}, size float64) *simulator.Message {
	c.bytesSent += size
	return &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Message: &envelope{op: c.op, source: c.Port, payload: payload},
		Size:    size,
	}
}

// Recv receives the next vector of the current operation.
func (c *Comms) Recv() ([]float64, *simulator.Port, error) {
	payload, source, err := c.RecvMsg()
	if err != nil {
		return nil, nil, err
	}
	vec, ok := payload.([]float64)
	if !ok {
		panic("unexpected payload type")
	}
	return vec, source, nil
}

// RecvMsg receives the next payload of the current
// operation.
//
// Returns an *Error if the timeout elapses first or the
// event loop is aborted.
func (c *Comms) RecvMsg() (interface{}, *simulator.Port, error) {
	for i, env := range c.early {
		if env.op == c.op {
			essentials.OrderedDelete(&c.early, i)
			return env.payload, env.source, nil
		}
	}
	for {
		event := c.Handle.PollTimeout(c.Timeout, c.Port.Incoming)
		if event == nil {
			err := errors.Errorf("no message within %v time units (%d early messages held)",
				c.Timeout, len(c.early))
			if c.Handle.Aborted() {
				err = errors.Wrap(simulator.ErrDeadlock, "receive aborted")
			}
			return nil, nil, &Error{Group: c.Name, Rank: c.Index(), Op: c.op, Err: err}
		}
		env := event.Message.(*simulator.Message).Message.(*envelope)
		if env.op == c.op {
			return env.payload, env.source, nil
		} else if env.op > c.op {
			c.early = append(c.early, env)
		}
		// Late messages belong to an operation that
		// already failed, so they are dropped.
	}
}

// Index returns the current node's index in the group.
func (c *Comms) Index() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns any node's index.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}
