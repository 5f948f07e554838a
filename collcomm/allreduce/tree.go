package allreduce

import (
	"github.com/unixpickle/moe-sys/collcomm"
	"github.com/unixpickle/moe-sys/simulator"
)

// A TreeAllreducer arranges the group in a binary heap
// ordered by group rank. Partial sums flow up to rank 0,
// and rank 0's result flows back down, so every member
// receives the same bits.
type TreeAllreducer struct{}

// Allreduce reduces data up the tree and broadcasts the
// result down it.
func (t TreeAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	c.Begin()
	parent, children := treeNeighbors(c)

	// Children are reduced in tree order, not arrival
	// order, so the root's sum does not depend on timing.
	inputs := make([][]float64, 1+len(children))
	inputs[0] = data
	for range children {
		vec, source, err := c.Recv()
		if err != nil {
			return nil, err
		}
		for i, child := range children {
			if child == source {
				inputs[i+1] = vec
			}
		}
	}
	result := fn(c.Handle, inputs...)

	if parent != nil {
		c.Send(parent, result)
		var err error
		if result, _, err = c.Recv(); err != nil {
			return nil, err
		}
	}
	for _, child := range children {
		c.Send(child, result)
	}
	return result, nil
}

// treeNeighbors finds a node's parent, which is nil at the
// root, and its zero to two children.
func treeNeighbors(c *collcomm.Comms) (parent *simulator.Port, children []*simulator.Port) {
	idx := c.Index()
	if idx > 0 {
		parent = c.Ports[(idx-1)/2]
	}
	for child := 2*idx + 1; child <= 2*idx+2 && child < c.Size(); child++ {
		children = append(children, c.Ports[child])
	}
	return parent, children
}
