package simulator

import "sync"

// A FaultyNetwork wraps another Network and drops every
// message sent to or from a Node that is marked down.
//
// Messages that were already handed to the underlying
// Network before a Node went down are still delivered.
type FaultyNetwork struct {
	Network Network

	lock      sync.Mutex
	downNodes map[*Node]bool
	dropped   int
}

// NewFaultyNetwork wraps a Network with failure
// injection.
func NewFaultyNetwork(n Network) *FaultyNetwork {
	return &FaultyNetwork{Network: n, downNodes: map[*Node]bool{}}
}

// Send forwards the messages whose endpoints are both up.
func (f *FaultyNetwork) Send(h *Handle, msgs ...*Message) {
	f.lock.Lock()
	live := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		if f.downNodes[msg.Source.Node] || f.downNodes[msg.Dest.Node] {
			f.dropped++
			continue
		}
		live = append(live, msg)
	}
	f.lock.Unlock()

	if len(live) > 0 {
		f.Network.Send(h, live...)
	}
}

// SetDown marks a node as down or brings it back up.
func (f *FaultyNetwork) SetDown(node *Node, down bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if down {
		f.downNodes[node] = true
	} else {
		delete(f.downNodes, node)
	}
}

// Dropped returns the number of messages discarded so
// far.
func (f *FaultyNetwork) Dropped() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.dropped
}
