// Package topology derives the process groups of a data-,
// model-, and expert-parallel training job.
//
// Ranks are laid out with the model-parallel index varying
// fastest: rank = dp*M + mp. The data-parallel dimension
// is further factored into a replica index and an
// expert-parallel rank, so that dp = replica*E + ep.
package topology

import (
	"fmt"

	"github.com/unixpickle/moe-sys/collcomm"
	"github.com/unixpickle/moe-sys/config"
)

// A GroupKind names one family of reduction groups.
type GroupKind string

const (
	// ModelParallel groups share a data-parallel rank and
	// jointly hold shard-split activations.
	ModelParallel GroupKind = "model_parallel"

	// DataParallel groups share a model-parallel rank and
	// hold replicas of the same dense shard.
	DataParallel GroupKind = "data_parallel"

	// ExpertParallel groups hold distinct experts.
	ExpertParallel GroupKind = "expert_parallel"

	// ExpertDataParallel groups hold replicas of the same
	// experts. Expert-local gradients are averaged here
	// and nowhere else.
	ExpertDataParallel GroupKind = "expert_data_parallel"

	// Shared is the combination of ExpertDataParallel and
	// ExpertParallel, which spans every worker. Gradients
	// of parameters replicated on all workers, such as the
	// gate, are averaged here.
	Shared GroupKind = "shared"
)

// GroupKinds lists every group kind in a fixed order.
var GroupKinds = []GroupKind{ModelParallel, DataParallel, ExpertParallel, ExpertDataParallel, Shared}

// Topology describes how workers are arranged.
//
// A Topology is immutable once built and may be shared
// read-only by every worker.
type Topology struct {
	WorldSize          int
	ModelParallelSize  int
	DataParallelSize   int
	ExpertParallelSize int

	groups map[GroupKind][][]int
}

// Coords locates a rank along each parallel dimension.
type Coords struct {
	Rank               int
	ModelParallelRank  int
	DataParallelRank   int
	ExpertParallelRank int
	ReplicaIndex       int
}

// Build derives a Topology.
//
// When distributedExperts is false, the expert-parallel
// dimension has size one and every worker computes every
// expert.
func Build(worldSize, modelParallelSize int, distributedExperts bool) (*Topology, error) {
	if worldSize <= 0 {
		return nil, config.Errorf("world_size", "must be positive but is %d", worldSize)
	}
	if modelParallelSize <= 0 {
		return nil, config.Errorf("model_parallel_size", "must be positive but is %d", modelParallelSize)
	}
	if worldSize%modelParallelSize != 0 {
		return nil, config.Errorf("world_size", "%d is not divisible by model_parallel_size %d",
			worldSize, modelParallelSize)
	}
	t := &Topology{
		WorldSize:          worldSize,
		ModelParallelSize:  modelParallelSize,
		DataParallelSize:   worldSize / modelParallelSize,
		ExpertParallelSize: 1,
	}
	if distributedExperts {
		t.ExpertParallelSize = t.DataParallelSize
	}
	t.groups = map[GroupKind][][]int{}
	for _, kind := range GroupKinds {
		t.groups[kind] = t.deriveGroups(kind)
	}
	return t, nil
}

// FromConfig builds the Topology of a validated Config.
func FromConfig(cfg config.Config) (*Topology, error) {
	return Build(cfg.WorldSize, cfg.ModelParallelSize, cfg.DistributedExperts)
}

// CheckConfig returns a *config.Error if cfg describes a
// different layout than t.
//
// With a single data-parallel slot, distributed and
// replicated experts give the same layout.
func (t *Topology) CheckConfig(cfg config.Config) error {
	if cfg.WorldSize != t.WorldSize || cfg.ModelParallelSize != t.ModelParallelSize {
		return config.Errorf("world_size", "config (%d/%d) does not match %s",
			cfg.WorldSize, cfg.ModelParallelSize, t)
	}
	if t.DataParallelSize > 1 && cfg.DistributedExperts != (t.ExpertParallelSize > 1) {
		return config.Errorf("distributed_experts", "%v does not match %s",
			cfg.DistributedExperts, t)
	}
	return nil
}

// ReplicaCount is the number of data-parallel slots that
// hold the same expert.
func (t *Topology) ReplicaCount() int {
	return t.DataParallelSize / t.ExpertParallelSize
}

// Coords computes the coordinates of a rank.
func (t *Topology) Coords(rank int) Coords {
	if rank < 0 || rank >= t.WorldSize {
		panic(fmt.Sprintf("rank %d out of range [0, %d)", rank, t.WorldSize))
	}
	dp := rank / t.ModelParallelSize
	return Coords{
		Rank:               rank,
		ModelParallelRank:  rank % t.ModelParallelSize,
		DataParallelRank:   dp,
		ExpertParallelRank: dp % t.ExpertParallelSize,
		ReplicaIndex:       dp / t.ExpertParallelSize,
	}
}

func (t *Topology) rank(replica, ep, mp int) int {
	return (replica*t.ExpertParallelSize+ep)*t.ModelParallelSize + mp
}

// Groups returns every group of a kind.
// The groups partition [0, WorldSize), and each group
// lists its members in ascending rank order.
//
// The result must not be modified.
func (t *Topology) Groups(kind GroupKind) [][]int {
	groups, ok := t.groups[kind]
	if !ok {
		panic(fmt.Sprintf("unknown group kind: %s", kind))
	}
	return groups
}

// GroupOf returns the group of a kind containing rank.
func (t *Topology) GroupOf(kind GroupKind, rank int) []int {
	for _, group := range t.Groups(kind) {
		for _, r := range group {
			if r == rank {
				return group
			}
		}
	}
	panic("unreachable")
}

// GroupSize returns the size of every group of a kind.
func (t *Topology) GroupSize(kind GroupKind) int {
	return len(t.Groups(kind)[0])
}

// CommGroups lists every group in the form expected by
// collcomm.SpawnGroups.
func (t *Topology) CommGroups() []collcomm.Group {
	var res []collcomm.Group
	for _, kind := range GroupKinds {
		for _, ranks := range t.Groups(kind) {
			res = append(res, collcomm.Group{Kind: string(kind), Ranks: ranks})
		}
	}
	return res
}

func (t *Topology) String() string {
	return fmt.Sprintf("Topology(world=%d, mp=%d, dp=%d, ep=%d)", t.WorldSize,
		t.ModelParallelSize, t.DataParallelSize, t.ExpertParallelSize)
}

func (t *Topology) deriveGroups(kind GroupKind) [][]int {
	M, E, R := t.ModelParallelSize, t.ExpertParallelSize, t.ReplicaCount()
	var groups [][]int
	switch kind {
	case ModelParallel:
		for dp := 0; dp < t.DataParallelSize; dp++ {
			var group []int
			for mp := 0; mp < M; mp++ {
				group = append(group, dp*M+mp)
			}
			groups = append(groups, group)
		}
	case DataParallel:
		for mp := 0; mp < M; mp++ {
			var group []int
			for dp := 0; dp < t.DataParallelSize; dp++ {
				group = append(group, dp*M+mp)
			}
			groups = append(groups, group)
		}
	case ExpertParallel:
		for replica := 0; replica < R; replica++ {
			for mp := 0; mp < M; mp++ {
				var group []int
				for ep := 0; ep < E; ep++ {
					group = append(group, t.rank(replica, ep, mp))
				}
				groups = append(groups, group)
			}
		}
	case ExpertDataParallel:
		for ep := 0; ep < E; ep++ {
			var group []int
			for replica := 0; replica < R; replica++ {
				for mp := 0; mp < M; mp++ {
					group = append(group, t.rank(replica, ep, mp))
				}
			}
			groups = append(groups, group)
		}
	case Shared:
		group := make([]int, t.WorldSize)
		for i := range group {
			group[i] = i
		}
		groups = append(groups, group)
	default:
		panic(fmt.Sprintf("unknown group kind: %s", kind))
	}
	return groups
}
