// Package placement assigns experts to workers.
package placement

import (
	"fmt"

	"github.com/unixpickle/moe-sys/config"
	"github.com/unixpickle/moe-sys/topology"
)

// HiddenMultiplier is the expansion factor from the model
// dimension to an expert's hidden dimension.
const HiddenMultiplier = 4

// An Assignment lists, for each rank, the ordered global
// indices of the experts that rank owns.
type Assignment [][]int

// Assign places numExperts experts on every rank of a
// topology.
//
// With one expert-parallel slot, every rank owns every
// expert. Otherwise, expert-parallel rank r of E owns the
// contiguous range [r*n/E, (r+1)*n/E), and n must be
// divisible by E.
func Assign(numExperts int, topo *topology.Topology) (Assignment, error) {
	if numExperts < 1 {
		return nil, config.Errorf("num_experts", "must be positive but is %d", numExperts)
	}
	e := topo.ExpertParallelSize
	if numExperts%e != 0 {
		return nil, config.Errorf("num_experts", "%d experts cannot be split evenly across "+
			"%d expert-parallel workers", numExperts, e)
	}
	perSlot := numExperts / e
	res := make(Assignment, topo.WorldSize)
	for rank := range res {
		start := topo.Coords(rank).ExpertParallelRank * perSlot
		experts := make([]int, perSlot)
		for i := range experts {
			experts[i] = start + i
		}
		res[rank] = experts
	}
	return res, nil
}

// Owners returns the ranks that own an expert, in
// ascending order.
func (a Assignment) Owners(expert int) []int {
	var res []int
	for rank, experts := range a {
		for _, e := range experts {
			if e == expert {
				res = append(res, rank)
				break
			}
		}
	}
	return res
}

// SublayerSpec describes the MoE sublayer one worker
// instantiates.
type SublayerSpec struct {
	// DModel is the model (input and output) dimension.
	DModel int

	// DHidden is each expert's hidden dimension.
	DHidden int

	// NumExperts is the total number of experts across
	// all workers.
	NumExperts int

	// Experts lists the global indices this worker owns.
	Experts []int

	// TopK is the number of experts the gate selects per
	// token.
	TopK int

	ModelParallelRank int
	ModelParallelSize int

	// Tokens is the number of tokens of each micro batch
	// routed through this worker's sublayer; the batch is
	// sliced evenly across the model-parallel group.
	Tokens int
}

// Local reports whether the worker owns every expert.
func (s *SublayerSpec) Local() bool {
	return len(s.Experts) == s.NumExperts
}

func (s *SublayerSpec) String() string {
	return fmt.Sprintf("SublayerSpec(d_model=%d, d_hidden=%d, experts=%v/%d, top_k=%d, tokens=%d)",
		s.DModel, s.DHidden, s.Experts, s.NumExperts, s.TopK, s.Tokens)
}

// PlaceExperts computes the SublayerSpec for one rank.
func PlaceExperts(cfg config.Config, topo *topology.Topology, rank int) (*SublayerSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := topo.CheckConfig(cfg); err != nil {
		return nil, err
	}
	assignment, err := Assign(cfg.NumExperts, topo)
	if err != nil {
		return nil, err
	}
	coords := topo.Coords(rank)
	return &SublayerSpec{
		DModel:            cfg.HiddenSize,
		DHidden:           cfg.HiddenSize * HiddenMultiplier,
		NumExperts:        cfg.NumExperts,
		Experts:           assignment[rank],
		TopK:              cfg.TopK,
		ModelParallelRank: coords.ModelParallelRank,
		ModelParallelSize: topo.ModelParallelSize,
		Tokens:            cfg.SeqLength * cfg.MicroBatchSize / topo.ModelParallelSize,
	}, nil
}
