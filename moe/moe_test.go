package moe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/moe-sys/config"
	"github.com/unixpickle/moe-sys/params"
	"github.com/unixpickle/moe-sys/placement"
	"github.com/unixpickle/moe-sys/topology"
)

func TestNewSublayerShapes(t *testing.T) {
	spec := &placement.SublayerSpec{DModel: 4, DHidden: 16, NumExperts: 4, Experts: []int{2, 3}, TopK: 2}
	s := NewSublayer("layers.0.mlp", spec)

	assert.Equal(t, []int{4, 4}, s.Gate.Weight.Shape)
	assert.Equal(t, []int{4}, s.Gate.Bias.Shape)
	require.Len(t, s.Experts, 2)
	assert.Equal(t, 2, s.Experts[0].Index)
	assert.Equal(t, params.ID("layers.0.mlp.experts.3.fc2.weight"), s.Experts[1].FC2Weight.ID)
	assert.Equal(t, []int{16, 4}, s.Experts[0].FC1Weight.Shape)
	assert.Equal(t, []int{4, 16}, s.Experts[0].FC2Weight.Shape)
	assert.Len(t, s.Parameters(), 2+8)
}

func TestReplicasStartIdentical(t *testing.T) {
	a := NewSublayer("layers.1.mlp", &placement.SublayerSpec{DModel: 4, DHidden: 16, NumExperts: 4,
		Experts: []int{1}})
	b := NewSublayer("layers.1.mlp", &placement.SublayerSpec{DModel: 4, DHidden: 16, NumExperts: 4,
		Experts: []int{0, 1, 2, 3}})
	assert.Equal(t, a.Gate.Weight.Data, b.Gate.Weight.Data)
	assert.Equal(t, a.Experts[0].FC1Weight.Data, b.Experts[1].FC1Weight.Data)
	assert.NotEqual(t, b.Experts[0].FC1Weight.Data, b.Experts[1].FC1Weight.Data)
}

func TestFmoefy(t *testing.T) {
	cfg := config.Default().WithNumExperts(4)
	topo, err := topology.FromConfig(cfg)
	require.NoError(t, err)

	host := NewTransformer(cfg.NumLayers, cfg.HiddenSize, 1, topo.ModelParallelSize)
	attention := host.Layers[0].Attention
	tags, err := Fmoefy(host, cfg, topo, 3)
	require.NoError(t, err)

	for i, block := range host.TransformerLayers() {
		sub, ok := block.MLP.(*Sublayer)
		require.True(t, ok, "layer %d", i)
		require.Len(t, sub.Experts, 1)
		assert.Equal(t, 1, sub.Experts[0].Index)
		for _, p := range sub.GateParameters() {
			tag, ok := tags.Get(p.ID)
			require.True(t, ok)
			assert.Equal(t, params.Shared, tag)
		}
		for _, p := range sub.ExpertParameters() {
			tag, ok := tags.Get(p.ID)
			require.True(t, ok)
			assert.Equal(t, params.ExpertLocal, tag)
		}
	}
	assert.Equal(t, cfg.NumLayers*(2+4), tags.Len())
	assert.Equal(t, attention, host.Layers[0].Attention)
	for _, p := range host.Layers[0].Attention {
		_, ok := tags.Get(p.ID)
		assert.False(t, ok)
	}
}

func TestFmoefyConfigErrorLeavesHost(t *testing.T) {
	cfg := config.Default().WithNumExperts(3)
	topo, err := topology.FromConfig(cfg)
	require.NoError(t, err)
	host := NewTransformer(2, cfg.HiddenSize, 0, 2)

	_, err = Fmoefy(host, cfg, topo, 0)
	require.Error(t, err)
	assert.True(t, config.IsError(err))
	for _, block := range host.Layers {
		_, ok := block.MLP.(*DenseMLP)
		assert.True(t, ok)
	}

	_, err = Fmoefy(host, config.Default(), topo, 0)
	assert.True(t, config.IsError(err))
}

func TestTransformerState(t *testing.T) {
	a := NewTransformer(2, 4, 0, 2)
	b := NewTransformer(2, 4, 1, 2)
	assert.NotEqual(t, a.Layers[0].Attention[0].Data, b.Layers[0].Attention[0].Data)
	assert.Equal(t, a.Layers[0].MLP.Parameters()[0].Data, b.Layers[0].MLP.Parameters()[0].Data)

	require.NoError(t, b.LoadStateDict(a.StateDict()))
	assert.Equal(t, a.StateDict(), b.StateDict())
	assert.Equal(t, a.StateDict(), a.StateDictForSaveCheckpoint())

	c := NewTransformer(1, 4, 0, 2)
	assert.Error(t, c.LoadStateDict(a.StateDict()))
}
