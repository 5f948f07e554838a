package topology

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/moe-sys/config"
)

func TestBuildSizes(t *testing.T) {
	for _, world := range []int{1, 2, 4, 6, 8, 12, 16} {
		for mp := 1; mp <= world; mp++ {
			if world%mp != 0 {
				continue
			}
			for _, distributed := range []bool{false, true} {
				name := fmt.Sprintf("W=%d,M=%d,Dist=%v", world, mp, distributed)
				t.Run(name, func(t *testing.T) {
					topo, err := Build(world, mp, distributed)
					require.NoError(t, err)
					assert.Equal(t, world, topo.DataParallelSize*topo.ModelParallelSize)
					if distributed {
						assert.Equal(t, topo.DataParallelSize, topo.ExpertParallelSize)
					} else {
						assert.Equal(t, 1, topo.ExpertParallelSize)
					}
					for _, kind := range GroupKinds {
						checkPartition(t, topo, kind)
					}
					assert.Equal(t, world, topo.GroupSize(Shared))
					assert.Equal(t, topo.GroupSize(Shared),
						topo.GroupSize(ExpertDataParallel)*topo.GroupSize(ExpertParallel))
				})
			}
		}
	}
}

func checkPartition(t *testing.T, topo *Topology, kind GroupKind) {
	var all []int
	size := topo.GroupSize(kind)
	for _, group := range topo.Groups(kind) {
		assert.Len(t, group, size, "kind %s", kind)
		assert.True(t, sort.IntsAreSorted(group), "kind %s group %v not sorted", kind, group)
		all = append(all, group...)
	}
	sort.Ints(all)
	require.Len(t, all, topo.WorldSize, "kind %s", kind)
	for i, r := range all {
		assert.Equal(t, i, r, "kind %s", kind)
	}
}

func TestBuildIndivisible(t *testing.T) {
	_, err := Build(6, 4, true)
	require.Error(t, err)
	assert.True(t, config.IsError(err))

	_, err = Build(8, 0, true)
	assert.True(t, config.IsError(err))
}

func TestScenarioDistributed(t *testing.T) {
	topo, err := Build(8, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 4, topo.DataParallelSize)
	assert.Equal(t, 4, topo.ExpertParallelSize)

	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}}, topo.Groups(ModelParallel))
	assert.Equal(t, [][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}, topo.Groups(DataParallel))
	assert.Equal(t, [][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}, topo.Groups(ExpertParallel))
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5}, {6, 7}}, topo.Groups(ExpertDataParallel))

	c := topo.Coords(5)
	assert.Equal(t, Coords{Rank: 5, ModelParallelRank: 1, DataParallelRank: 2,
		ExpertParallelRank: 2, ReplicaIndex: 0}, c)
}

func TestScenarioReplicated(t *testing.T) {
	topo, err := Build(8, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 1, topo.ExpertParallelSize)
	assert.Equal(t, 4, topo.ReplicaCount())
	assert.Equal(t, [][]int{{0, 1, 2, 3, 4, 5, 6, 7}}, topo.Groups(ExpertDataParallel))
	assert.Len(t, topo.Groups(ExpertParallel), 8)
	assert.Equal(t, []int{3}, topo.GroupOf(ExpertParallel, 3))
}

func TestPartialExpertReplication(t *testing.T) {
	topo, err := Build(4, 1, true)
	require.NoError(t, err)
	topo.ExpertParallelSize = 2
	for _, kind := range GroupKinds {
		topo.groups[kind] = topo.deriveGroups(kind)
	}
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, topo.Groups(ExpertParallel))
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, topo.Groups(ExpertDataParallel))
	assert.Equal(t, 1, topo.Coords(3).ReplicaIndex)
}

func TestCommGroups(t *testing.T) {
	topo, err := Build(4, 2, true)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, g := range topo.CommGroups() {
		counts[g.Kind] += len(g.Ranks)
	}
	for _, kind := range GroupKinds {
		assert.Equal(t, 4, counts[string(kind)])
	}
}

func TestSetup(t *testing.T) {
	defer Reset()
	Reset()
	assert.Nil(t, Current())

	first, err := Setup(8, 2, true)
	require.NoError(t, err)
	again, err := Setup(8, 2, true)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Same(t, first, Current())

	_, err = Setup(8, 4, true)
	assert.Error(t, err)
	_, err = Setup(8, 2, false)
	assert.Error(t, err)
}
