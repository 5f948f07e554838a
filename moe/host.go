package moe

import (
	"fmt"

	"github.com/unixpickle/moe-sys/params"
)

// A Host is a transformer whose feed-forward members can
// be replaced.
type Host interface {
	TransformerLayers() []*Block
}

// A Block is one transformer block.
type Block struct {
	// Attention holds the block's model-parallel attention
	// shard. It is never touched by Fmoefy.
	Attention []*params.Parameter

	// MLP is the feed-forward member.
	MLP FeedForward
}

// Parameters lists every parameter of the block.
func (b *Block) Parameters() []*params.Parameter {
	return append(append([]*params.Parameter{}, b.Attention...), b.MLP.Parameters()...)
}

// DenseMLP is an ordinary feed-forward member.
type DenseMLP struct {
	FC1Weight *params.Parameter
	FC1Bias   *params.Parameter
	FC2Weight *params.Parameter
	FC2Bias   *params.Parameter
}

// Parameters lists the MLP's parameters.
func (d *DenseMLP) Parameters() []*params.Parameter {
	return []*params.Parameter{d.FC1Weight, d.FC1Bias, d.FC2Weight, d.FC2Bias}
}

// Transformer is a minimal host model: a stack of blocks,
// each with a model-parallel attention shard and a dense
// MLP.
type Transformer struct {
	Layers []*Block
}

// NewTransformer creates a host model for one
// model-parallel rank.
//
// Attention shards of different model-parallel ranks share
// IDs but hold different values; replicas of a shard on
// data-parallel peers are identical.
func NewTransformer(numLayers, dModel, mpRank, mpSize int) *Transformer {
	t := &Transformer{}
	shard := 3 * dModel / mpSize
	if shard < 1 {
		shard = 1
	}
	for i := 0; i < numLayers; i++ {
		prefix := fmt.Sprintf("layers.%d", i)
		qkv := params.ID(prefix + ".attention.qkv.weight")
		t.Layers = append(t.Layers, &Block{
			Attention: []*params.Parameter{
				params.NewRandomSeeded(qkv, params.Seed(qkv)+int64(mpRank), InitStddev, shard, dModel),
				params.New(params.ID(prefix+".attention.qkv.bias"), shard),
			},
			MLP: &DenseMLP{
				FC1Weight: params.NewRandom(params.ID(prefix+".mlp.fc1.weight"), InitStddev, 4*dModel, dModel),
				FC1Bias:   params.New(params.ID(prefix+".mlp.fc1.bias"), 4*dModel),
				FC2Weight: params.NewRandom(params.ID(prefix+".mlp.fc2.weight"), InitStddev, dModel, 4*dModel),
				FC2Bias:   params.New(params.ID(prefix+".mlp.fc2.bias"), dModel),
			},
		})
	}
	return t
}

// TransformerLayers returns the blocks in order.
func (t *Transformer) TransformerLayers() []*Block {
	return t.Layers
}

// Parameters lists every parameter, block by block.
func (t *Transformer) Parameters() []*params.Parameter {
	var res []*params.Parameter
	for _, b := range t.Layers {
		res = append(res, b.Parameters()...)
	}
	return res
}

// StateDict snapshots every parameter.
func (t *Transformer) StateDict() params.StateDict {
	return params.StateOf(t.Parameters())
}

// StateDictForSaveCheckpoint is the state written to
// checkpoints. It is the same as StateDict.
func (t *Transformer) StateDictForSaveCheckpoint() params.StateDict {
	return t.StateDict()
}

// LoadStateDict restores every parameter.
func (t *Transformer) LoadStateDict(state params.StateDict) error {
	return params.LoadState(t.Parameters(), state)
}
