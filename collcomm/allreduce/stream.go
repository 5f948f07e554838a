package allreduce

import (
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/moe-sys/collcomm"
)

// A StreamAllreducer splits a vector into chunks and
// pipelines them around a ring of nodes.
//
// Chunks first travel the ring once to be reduced, each
// node folding its own slice into the running sum, and
// arrive fully reduced back at the first node. The first
// node then streams the result around the ring again, so
// every node ends up with the same bits.
//
// Each hop is stop-and-wait: a node sends its next chunk
// only after the previous one was acknowledged.
type StreamAllreducer struct {
	// Granularity is the number of chunks per node.
	// If Granularity is 0, it is treated as 1.
	Granularity int
}

// Allreduce reduces data across the ring and returns the
// result.
func (s StreamAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	c.Begin()
	if len(data) == 0 || c.Size() == 1 {
		return data, nil
	}
	if c.Index() == 0 {
		return s.lead(c, data)
	}
	return s.follow(c, data, fn)
}

// lead runs the first node, which injects the chunks,
// collects the reduced vector, and broadcasts it.
func (s StreamAllreducer) lead(c *collcomm.Comms, data []float64) ([]float64, error) {
	pending := s.chunks(c, data)
	reduceOut := &ringOutbox{}
	reduceOut.push(c, &ringPacket{kind: ringReduce, payload: pending[0]})
	pending = pending[1:]

	reduced := make([]float64, 0, len(data))
	for len(reduced) < len(data) {
		p, err := recvRingPacket(c)
		if err != nil {
			return nil, err
		}
		switch p.kind {
		case ringReduce:
			reduced = append(reduced, p.payload...)
			(&ringPacket{kind: ringReduceAck}).send(c)
		case ringReduceAck:
			reduceOut.ack()
			if len(pending) > 0 {
				reduceOut.push(c, &ringPacket{kind: ringReduce, payload: pending[0]})
				pending = pending[1:]
			}
		default:
			panic("unexpected packet type")
		}
	}
	if len(pending) > 0 {
		panic("unexpected reduction completion")
	} else if len(reduced) != len(data) {
		panic("excess data")
	}

	bcastOut := &ringOutbox{}
	for _, chunk := range s.chunks(c, reduced) {
		bcastOut.push(c, &ringPacket{kind: ringBcast, payload: chunk})
		for bcastOut.awaitingAck {
			p, err := recvRingPacket(c)
			if err != nil {
				return nil, err
			}
			switch p.kind {
			case ringReduceAck:
				reduceOut.ack()
			case ringBcastAck:
				bcastOut.ack()
			default:
				panic("unexpected packet type")
			}
		}
	}
	return reduced, nil
}

// follow runs every other node, which folds its slice
// into passing chunks and relays the broadcast.
func (s StreamAllreducer) follow(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	isLast := c.Index() == c.Size()-1
	unreduced := data
	reduced := make([]float64, 0, len(data))
	reduceOut := &ringOutbox{}
	bcastOut := &ringOutbox{}

	// The ACK for our last reduced chunk may arrive after
	// the broadcast overtakes it on a faster path.
	for len(reduced) < len(data) || len(bcastOut.queue) > 0 || reduceOut.awaitingAck {
		p, err := recvRingPacket(c)
		if err != nil {
			return nil, err
		}
		switch p.kind {
		case ringReduce:
			(&ringPacket{kind: ringReduceAck}).send(c)
			chunk := fn(c.Handle, p.payload, unreduced[:len(p.payload)])
			unreduced = unreduced[len(p.payload):]
			reduceOut.push(c, &ringPacket{kind: ringReduce, payload: chunk})
		case ringReduceAck:
			reduceOut.ack()
			reduceOut.flush(c)
		case ringBcast:
			if len(reduceOut.queue) > 0 {
				panic("got bcast before reduce finished")
			}
			reduced = append(reduced, p.payload...)
			(&ringPacket{kind: ringBcastAck}).send(c)
			if !isLast {
				// The last node's successor is the first
				// node, which already has the result.
				bcastOut.push(c, &ringPacket{kind: ringBcast, payload: p.payload})
			}
		case ringBcastAck:
			bcastOut.ack()
			bcastOut.flush(c)
		default:
			panic("unexpected packet type")
		}
	}
	return reduced, nil
}

func (s StreamAllreducer) chunks(c *collcomm.Comms, data []float64) [][]float64 {
	granularity := essentials.MaxInt(s.Granularity, 1)
	size := essentials.MaxInt(len(data)/(c.Size()*granularity), 1)
	var res [][]float64
	for len(data) > 0 {
		n := essentials.MinInt(size, len(data))
		res = append(res, data[:n])
		data = data[n:]
	}
	return res
}

type ringPacketKind int

const (
	ringReduce ringPacketKind = iota
	ringReduceAck
	ringBcast
	ringBcastAck
)

type ringPacket struct {
	kind    ringPacketKind
	payload []float64
}

func recvRingPacket(c *collcomm.Comms) (*ringPacket, error) {
	payload, _, err := c.RecvMsg()
	if err != nil {
		return nil, err
	}
	return payload.(*ringPacket), nil
}

// size is the wire size of the packet, including a
// one-byte kind header.
func (p *ringPacket) size(c *collcomm.Comms) float64 {
	return c.VecSize(p.payload) + 1
}

// send passes data forward around the ring and ACKs
// backward.
func (p *ringPacket) send(c *collcomm.Comms) {
	n := c.Size()
	dst := (c.Index() + 1) % n
	if p.kind == ringReduceAck || p.kind == ringBcastAck {
		dst = (c.Index() + n - 1) % n
	}
	c.SendMsg(c.Ports[dst], p, p.size(c))
}

// A ringOutbox holds packets for one direction of flow
// until the previous packet is acknowledged.
type ringOutbox struct {
	queue       []*ringPacket
	awaitingAck bool
}

func (o *ringOutbox) push(c *collcomm.Comms, p *ringPacket) {
	o.queue = append(o.queue, p)
	o.flush(c)
}

func (o *ringOutbox) flush(c *collcomm.Comms) {
	if !o.awaitingAck && len(o.queue) > 0 {
		o.queue[0].send(c)
		essentials.OrderedDelete(&o.queue, 0)
		o.awaitingAck = true
	}
}

func (o *ringOutbox) ack() {
	if !o.awaitingAck {
		panic("unexpected ACK")
	}
	o.awaitingAck = false
}
