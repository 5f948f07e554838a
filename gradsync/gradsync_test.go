package gradsync

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/moe-sys/collcomm"
	"github.com/unixpickle/moe-sys/collcomm/allreduce"
	"github.com/unixpickle/moe-sys/config"
	"github.com/unixpickle/moe-sys/moe"
	"github.com/unixpickle/moe-sys/params"
	"github.com/unixpickle/moe-sys/simulator"
	"github.com/unixpickle/moe-sys/topology"
)

type syncRun struct {
	World       int
	MP          int
	Distributed bool

	Reducer   allreduce.Allreducer
	Precision Precision
	Dense     bool
	Timeout   float64
	Down      []int
}

type syncResult struct {
	Topo   *topology.Topology
	Hosts  []*moe.Transformer
	Before []map[params.ID][]float64
	Errs   []error
	Phases []Phase
}

// localGrad is a distinct, recognizable gradient for each
// rank and element.
func localGrad(rank, i int) float64 {
	return float64(rank*100+i) + 0.25
}

func (r *syncRun) run(t *testing.T, numExperts int) *syncResult {
	cfg := config.Default().WithWorld(r.World, r.MP).WithNumExperts(numExperts).
		WithDistributedExperts(r.Distributed)
	cfg.NumLayers = 1
	cfg.HiddenSize = 2
	topo, err := topology.FromConfig(cfg)
	require.NoError(t, err)

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(topo.WorldSize)
	network := simulator.NewFaultyNetwork(simulator.RandomNetwork{})
	for _, rank := range r.Down {
		network.SetDown(nodes[rank], true)
	}

	res := &syncResult{
		Topo:   topo,
		Hosts:  make([]*moe.Transformer, len(nodes)),
		Before: make([]map[params.ID][]float64, len(nodes)),
		Errs:   make([]error, len(nodes)),
		Phases: make([]Phase, len(nodes)),
	}
	for rank := range nodes {
		coords := topo.Coords(rank)
		host := moe.NewTransformer(cfg.NumLayers, cfg.HiddenSize, coords.ModelParallelRank,
			topo.ModelParallelSize)
		res.Hosts[rank] = host
	}

	collcomm.SpawnGroups(loop, network, nodes, topo.CommGroups(),
		func(rank int, comms map[string]*collcomm.Comms) {
			for _, c := range comms {
				c.Timeout = r.Timeout
			}
			host := res.Hosts[rank]
			tags, err := moe.Fmoefy(host, cfg, topo, rank)
			if !assert.NoError(t, err) {
				return
			}
			res.Before[rank] = map[params.ID][]float64{}
			for _, p := range host.Parameters() {
				for i := range p.Grad {
					p.Grad[i] = localGrad(rank, i)
				}
				res.Before[rank][p.ID] = append([]float64{}, p.Grad...)
			}
			s := &Synchronizer{
				Reducer:     r.Reducer,
				Shared:      comms[string(topology.Shared)],
				ExpertLocal: comms[string(topology.ExpertDataParallel)],
				Precision:   r.Precision,
			}
			if r.Dense {
				s.Dense = comms[string(topology.DataParallel)]
			}
			res.Errs[rank] = s.Synchronize(host.Parameters(), tags)
			res.Phases[rank] = s.Phase()
		})
	require.NoError(t, loop.Run())
	return res
}

func meanOver(ranks []int, i int) float64 {
	var sum float64
	for _, r := range ranks {
		sum += localGrad(r, i)
	}
	return sum / float64(len(ranks))
}

func gradOf(host *moe.Transformer, id params.ID) []float64 {
	for _, p := range host.Parameters() {
		if p.ID == id {
			return p.Grad
		}
	}
	return nil
}

func TestSynchronizeDistributed(t *testing.T) {
	for _, name := range allreduce.Names() {
		t.Run(name, func(t *testing.T) {
			reducer, _ := allreduce.ByName(name)
			res := (&syncRun{World: 8, MP: 2, Distributed: true, Reducer: reducer}).run(t, 4)
			topo := res.Topo

			all := topo.GroupOf(topology.Shared, 0)
			for rank, host := range res.Hosts {
				require.NoError(t, res.Errs[rank])
				assert.Equal(t, Ready, res.Phases[rank])

				sub := host.Layers[0].MLP.(*moe.Sublayer)
				for _, p := range sub.GateParameters() {
					for i, g := range p.Grad {
						assert.InDelta(t, meanOver(all, i), g, 1e-9)
					}
				}
				replicas := topo.GroupOf(topology.ExpertDataParallel, rank)
				assert.Len(t, replicas, 2)
				for _, p := range sub.ExpertParameters() {
					for i, g := range p.Grad {
						assert.InDelta(t, meanOver(replicas, i), g, 1e-9)
					}
				}

				// Untagged host parameters are untouched.
				attention := host.Layers[0].Attention[0]
				assert.Equal(t, res.Before[rank][attention.ID], attention.Grad)
			}
			checkReplicasIdentical(t, topo, res)
		})
	}
}

// checkReplicasIdentical makes sure that every worker in
// an expert-data-parallel group ends with bitwise-identical
// gradients for every MoE parameter.
func checkReplicasIdentical(t *testing.T, topo *topology.Topology, res *syncResult) {
	for _, group := range topo.Groups(topology.ExpertDataParallel) {
		first := res.Hosts[group[0]].Layers[0].MLP.(*moe.Sublayer)
		for _, rank := range group[1:] {
			for _, p := range first.Parameters() {
				assert.Equal(t, p.Grad, gradOf(res.Hosts[rank], p.ID), "rank %d param %s", rank, p.ID)
			}
		}
	}
}

func TestSynchronizeReplicated(t *testing.T) {
	res := (&syncRun{World: 8, MP: 2, Reducer: allreduce.TreeAllreducer{}}).run(t, 4)
	topo := res.Topo
	require.Equal(t, 1, topo.ExpertParallelSize)

	all := topo.GroupOf(topology.Shared, 0)
	for rank, host := range res.Hosts {
		require.NoError(t, res.Errs[rank])
		sub := host.Layers[0].MLP.(*moe.Sublayer)
		require.Len(t, sub.Experts, 4)
		for _, p := range sub.Parameters() {
			for i, g := range p.Grad {
				assert.InDelta(t, meanOver(all, i), g, 1e-9, "param %s", p.ID)
			}
		}
	}
	checkReplicasIdentical(t, topo, res)
}

func TestSynchronizeDense(t *testing.T) {
	res := (&syncRun{World: 4, MP: 2, Distributed: true, Reducer: allreduce.NaiveAllreducer{},
		Dense: true}).run(t, 2)
	topo := res.Topo
	for rank, host := range res.Hosts {
		require.NoError(t, res.Errs[rank])
		peers := topo.GroupOf(topology.DataParallel, rank)
		for _, p := range host.Layers[0].Attention {
			for i, g := range p.Grad {
				assert.InDelta(t, meanOver(peers, i), g, 1e-9)
			}
		}
	}
}

func TestSynchronizeHalfPrecision(t *testing.T) {
	res := (&syncRun{World: 4, MP: 1, Distributed: true, Reducer: allreduce.StreamAllreducer{},
		Precision: FP16}).run(t, 4)
	topo := res.Topo
	all := topo.GroupOf(topology.Shared, 0)
	for rank, host := range res.Hosts {
		require.NoError(t, res.Errs[rank])
		sub := host.Layers[0].MLP.(*moe.Sublayer)
		for i, g := range sub.Gate.Weight.Grad {
			expected := meanOver(all, i)
			assert.InDelta(t, expected, g, math.Abs(expected)*1e-3)
		}
	}
	first := res.Hosts[0].Layers[0].MLP.(*moe.Sublayer)
	for rank := 1; rank < topo.WorldSize; rank++ {
		assert.Equal(t, first.Gate.Weight.Grad, gradOf(res.Hosts[rank], first.Gate.Weight.ID))
	}
}

func TestSynchronizeFailureIsAllOrNothing(t *testing.T) {
	res := (&syncRun{World: 4, MP: 1, Distributed: true, Reducer: allreduce.TreeAllreducer{},
		Timeout: 5, Down: []int{3}}).run(t, 4)

	for rank, host := range res.Hosts {
		require.Error(t, res.Errs[rank], "rank %d", rank)
		assert.True(t, collcomm.IsError(res.Errs[rank]))
		assert.NotEqual(t, Ready, res.Phases[rank])
		for _, p := range host.Parameters() {
			assert.Equal(t, res.Before[rank][p.ID], p.Grad, "rank %d param %s", rank, p.ID)
		}
	}
}

func TestSynchronizerPhases(t *testing.T) {
	s := &Synchronizer{}
	assert.Equal(t, LocalBackwardDone, s.Phase())
	assert.False(t, s.Ready())

	tags := params.NewBuilder().Build()
	require.NoError(t, s.Synchronize(nil, tags))
	assert.True(t, s.Ready())
	assert.Error(t, s.Synchronize(nil, tags))

	s.Reset()
	assert.Equal(t, LocalBackwardDone, s.Phase())

	b := params.NewBuilder()
	require.NoError(t, b.Add("gate", params.Shared))
	assert.Error(t, s.Synchronize([]*params.Parameter{params.New("gate", 1)}, b.Build()))
}

func TestParsePrecision(t *testing.T) {
	for _, name := range []string{config.PrecisionFP64, config.PrecisionFP16} {
		p, err := ParsePrecision(name)
		require.NoError(t, err)
		assert.Equal(t, name, fmt.Sprintf("fp%d", int(p.ElemSize()*8)))
	}
	_, err := ParsePrecision("bf16")
	assert.Error(t, err)
	assert.Equal(t, "SynchronizingExpertLocal", SynchronizingExpertLocal.String())
}
