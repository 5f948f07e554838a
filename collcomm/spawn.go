package collcomm

import (
	"fmt"

	"github.com/unixpickle/moe-sys/simulator"
)

// WorldGroup is the kind name SpawnComms uses for the
// single group containing every node.
const WorldGroup = "world"

// A Group is one reduction group.
//
// Groups of the same Kind must partition the nodes, so
// every node belongs to exactly one group of each kind.
type Group struct {
	Kind string

	// Ranks lists the node indices in the group, in
	// group-rank order.
	Ranks []int
}

// SpawnComms creates Comms objects for every node in a
// network and calls f for each node in its own Goroutine.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ranks := make([]int, len(nodes))
	for i := range ranks {
		ranks[i] = i
	}
	SpawnGroups(loop, network, nodes, []Group{{Kind: WorldGroup, Ranks: ranks}},
		func(rank int, comms map[string]*Comms) {
			f(comms[WorldGroup])
		})
}

// SpawnGroups creates a port for every node in every group
// and calls f for each node in its own Goroutine.
//
// The comms argument maps each group kind to the node's
// Comms for the group of that kind containing it.
// All of a node's Comms share one Handle.
func SpawnGroups(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	groups []Group, f func(rank int, comms map[string]*Comms)) {
	views := make([]map[string]*Comms, len(nodes))
	for i := range views {
		views[i] = map[string]*Comms{}
	}
	for _, group := range groups {
		ports := make([]*simulator.Port, len(group.Ranks))
		for i, rank := range group.Ranks {
			ports[i] = nodes[rank].Port(loop)
		}
		for i, rank := range group.Ranks {
			if _, ok := views[rank][group.Kind]; ok {
				panic(fmt.Sprintf("node %d is in two %q groups", rank, group.Kind))
			}
			views[rank][group.Kind] = &Comms{
				Port:    ports[i],
				Ports:   ports,
				Network: network,
				Name:    group.Kind,
			}
		}
	}
	for rank := range nodes {
		comms := views[rank]
		loop.Go(func(h *simulator.Handle) {
			for _, c := range comms {
				c.Handle = h
			}
			f(rank, comms)
		})
	}
}
