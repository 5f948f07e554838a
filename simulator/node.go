package simulator

// A Node is one simulated machine.
type Node struct {
	// ID is a label for logs and errors.
	ID int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// NewNodes creates n Nodes with IDs 0 through n-1.
func NewNodes(n int) []*Node {
	res := make([]*Node, n)
	for i := range res {
		res[i] = &Node{ID: i}
	}
	return res
}

// Port creates a new Port on the Node.
//
// A Node may have many Ports, for example one per
// communication group it belongs to.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port is an endpoint on a Node that Messages are sent
// from and delivered to.
type Port struct {
	Node *Node

	// Incoming carries *Message values.
	Incoming *EventStream
}

// Recv blocks until the next Message arrives.
//
// Returns nil if the loop was aborted.
func (p *Port) Recv(h *Handle) *Message {
	event := h.Poll(p.Incoming)
	if event == nil {
		return nil
	}
	return event.Message.(*Message)
}

// A Message is a payload in transit between Ports.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is the number of bytes the payload occupies on
	// the wire.
	Size float64
}
