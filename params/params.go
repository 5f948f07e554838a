// Package params holds trainable tensors and the side
// table that classifies them for gradient reduction.
package params

import (
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// An ID names a parameter stably across workers, such as
// "layers.0.mlp.experts.3.fc1.weight". Replicas of a
// parameter on different workers share an ID.
type ID string

// A Parameter is a trainable tensor and its gradient.
type Parameter struct {
	ID    ID
	Shape []int
	Data  []float64
	Grad  []float64
}

// New creates a zero parameter with the given shape.
func New(id ID, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{
		ID:    id,
		Shape: append([]int{}, shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// NewRandom creates a parameter whose values are drawn
// from a normal distribution with the given standard
// deviation, seeded by the ID.
//
// Every worker that creates a parameter with the same ID
// and shape obtains bit-identical values.
func NewRandom(id ID, stddev float64, shape ...int) *Parameter {
	return NewRandomSeeded(id, Seed(id), stddev, shape...)
}

// NewRandomSeeded is like NewRandom with an explicit seed,
// for parameters that share an ID but hold different
// values, such as model-parallel shards.
func NewRandomSeeded(id ID, seed int64, stddev float64, shape ...int) *Parameter {
	p := New(id, shape...)
	gen := rand.New(rand.NewSource(seed))
	for i := range p.Data {
		p.Data[i] = gen.NormFloat64() * stddev
	}
	return p
}

// Seed hashes an ID into a random seed.
func Seed(id ID) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64() & math.MaxInt64)
}

// Size returns the number of elements.
func (p *Parameter) Size() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Tensor is the serialized form of a parameter.
type Tensor struct {
	Shape []int     `cbor:"shape"`
	Data  []float64 `cbor:"data"`
}

// A StateDict maps parameter IDs to tensors.
type StateDict map[ID]*Tensor

// Load copies a tensor into the parameter.
func (p *Parameter) Load(t *Tensor) error {
	if len(t.Shape) != len(p.Shape) {
		return errors.Errorf("parameter %s: shape %v does not match %v", p.ID, t.Shape, p.Shape)
	}
	for i, d := range t.Shape {
		if d != p.Shape[i] {
			return errors.Errorf("parameter %s: shape %v does not match %v", p.ID, t.Shape, p.Shape)
		}
	}
	if len(t.Data) != len(p.Data) {
		return errors.Errorf("parameter %s: %d values for %d elements", p.ID, len(t.Data), len(p.Data))
	}
	copy(p.Data, t.Data)
	return nil
}

// LoadState copies every entry of a StateDict into the
// matching parameter.
//
// Missing and unexpected entries are both errors.
func LoadState(ps []*Parameter, state StateDict) error {
	if len(state) != len(ps) {
		return errors.Errorf("state has %d entries for %d parameters", len(state), len(ps))
	}
	for _, p := range ps {
		t, ok := state[p.ID]
		if !ok {
			return errors.Errorf("state is missing parameter %s", p.ID)
		}
		if err := p.Load(t); err != nil {
			return err
		}
	}
	return nil
}

// StateOf copies parameters into a StateDict.
func StateOf(ps []*Parameter) StateDict {
	res := StateDict{}
	for _, p := range ps {
		res[p.ID] = &Tensor{
			Shape: append([]int{}, p.Shape...),
			Data:  append([]float64{}, p.Data...),
		}
	}
	return res
}
