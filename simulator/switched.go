package simulator

import (
	"math"
	"sync"
)

// A SwitchedNetwork passes data through a Switcher, so
// concurrent messages share bandwidth and each one may
// slow the others down.
//
// Every message also pays a fixed latency. Latency is
// modeled as occupying the link, so it counts toward
// congestion at both ends; this overestimates
// latency-driven congestion by up to a factor of two.
type SwitchedNetwork struct {
	lock sync.Mutex

	switcher Switcher
	index    map[*Node]int
	numNodes int
	latency  float64

	// schedule covers every delivery that has not been
	// replanned since the last Send.
	schedule []*segment
}

// NewSwitchedNetwork creates a network over the given
// Nodes, which must be the Nodes the Switcher expects, in
// the same order.
func NewSwitchedNetwork(switcher Switcher, nodes []*Node, latency float64) *SwitchedNetwork {
	index := make(map[*Node]int, len(nodes))
	for i, node := range nodes {
		index[node] = i
	}
	return &SwitchedNetwork{
		switcher: switcher,
		index:    index,
		numNodes: len(nodes),
		latency:  latency,
	}
}

// Send adds messages to the network and replans every
// delivery that has not happened yet.
func (s *SwitchedNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	inFlight := s.rewind(h)
	for _, msg := range msgs {
		inFlight = append(inFlight, &transfer{
			msg:         msg,
			latencyLeft: s.latency,
			bytesLeft:   msg.Size,
		})
	}
	s.replan(h, inFlight)
}

// rewind cancels every pending delivery and returns the
// transfers that are in flight at the current time.
func (s *SwitchedNetwork) rewind(h *Handle) []*transfer {
	now := h.Time()
	var inFlight []*transfer
	for _, seg := range s.schedule {
		if now >= seg.end {
			// Its deliveries may already have fired.
			continue
		}
		if now >= seg.start {
			for _, t := range seg.transfers {
				inFlight = append(inFlight, t.advance(now-seg.start))
			}
		}
		for _, timer := range seg.timers {
			h.Cancel(timer)
		}
	}
	return inFlight
}

// replan schedules deliveries for transfers, one segment
// per group of simultaneous arrivals.
func (s *SwitchedNetwork) replan(h *Handle, transfers []*transfer) {
	s.schedule = make([]*segment, 0, len(transfers))
	start := h.Time()
	for len(transfers) > 0 {
		s.assignRates(transfers)
		arriving, remaining, eta := earliestArrivals(transfers)

		timers := make([]*Timer, len(arriving))
		for i, t := range arriving {
			timers[i] = h.Schedule(t.msg.Dest.Incoming, t.msg, start-h.Time()+eta)
		}
		end := timers[0].Time()
		s.schedule = append(s.schedule, &segment{
			start:     start,
			end:       end,
			timers:    timers,
			transfers: transfers,
		})

		for i, t := range remaining {
			remaining[i] = t.advance(end - start)
		}
		transfers = remaining
		start = end
	}
}

func (s *SwitchedNetwork) assignRates(transfers []*transfer) {
	demand := NewRateMatrix(s.numNodes)
	flows := NewRateMatrix(s.numNodes)
	for _, t := range transfers {
		src, dst := s.endpoints(t)
		demand.Set(src, dst, 1)
		flows.Set(src, dst, flows.At(src, dst)+1)
	}
	s.switcher.Allocate(demand)
	for _, t := range transfers {
		src, dst := s.endpoints(t)
		t.rate = demand.At(src, dst) / flows.At(src, dst)
	}
}

func (s *SwitchedNetwork) endpoints(t *transfer) (src, dst int) {
	return s.index[t.msg.Source.Node], s.index[t.msg.Dest.Node]
}

// A transfer is the progress of one message through the
// network.
type transfer struct {
	msg *Message

	latencyLeft float64
	bytesLeft   float64
	rate        float64
}

// eta is the time until the message arrives at its
// current rate.
func (t *transfer) eta() float64 {
	return math.Max(0, t.latencyLeft+t.bytesLeft/t.rate)
}

// advance returns a copy of the transfer after some time
// has passed at its current rate.
func (t *transfer) advance(elapsed float64) *transfer {
	res := *t
	if elapsed < res.latencyLeft {
		res.latencyLeft -= elapsed
		return &res
	}
	elapsed -= res.latencyLeft
	res.latencyLeft = 0
	res.bytesLeft -= res.rate * elapsed
	return &res
}

// A segment is a stretch of virtual time during which the
// set of transfers and their rates stay fixed. It ends
// with one or more deliveries.
type segment struct {
	start     float64
	end       float64
	timers    []*Timer
	transfers []*transfer
}

// earliestArrivals splits transfers into those that
// arrive first and the rest.
func earliestArrivals(transfers []*transfer) (arriving, remaining []*transfer, eta float64) {
	etas := make([]float64, len(transfers))
	eta = math.Inf(1)
	for i, t := range transfers {
		etas[i] = t.eta()
		eta = math.Min(eta, etas[i])
	}
	remaining = make([]*transfer, 0, len(transfers)-1)
	for i, t := range transfers {
		if etas[i] == eta {
			arriving = append(arriving, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	return arriving, remaining, eta
}
