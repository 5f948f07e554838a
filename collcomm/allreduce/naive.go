package allreduce

import "github.com/unixpickle/moe-sys/collcomm"

// A NaiveAllreducer sends every gradient from every node
// to every other node.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the nodes' vectors on
// every node.
//
// Vectors are passed to fn in group-rank order on every
// node, keeping the results identical.
func (n NaiveAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	c.Begin()
	gatheredVecs := make([][]float64, len(c.Ports))

	c.Bcast(data)

	for i := 0; i < len(gatheredVecs)-1; i++ {
		incoming, source, err := c.Recv()
		if err != nil {
			return nil, err
		}
		gatheredVecs[c.IndexOf(source)] = incoming
	}

	gatheredVecs[c.Index()] = data

	return fn(c.Handle, gatheredVecs...), nil
}
