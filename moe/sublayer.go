// Package moe builds mixture-of-experts sublayers and
// patches them into a host transformer.
package moe

import (
	"fmt"
	"math"

	"github.com/unixpickle/moe-sys/params"
	"github.com/unixpickle/moe-sys/placement"
)

// InitStddev is the standard deviation of initial weights.
const InitStddev = 0.02

// A FeedForward is the replaceable feed-forward member of
// a transformer block.
type FeedForward interface {
	Parameters() []*params.Parameter
}

// Gate is the gating network. Its parameters must be
// identical on every worker.
type Gate struct {
	Weight *params.Parameter
	Bias   *params.Parameter
}

// Expert is one two-layer feed-forward expert.
type Expert struct {
	// Index is the global expert index.
	Index int

	FC1Weight *params.Parameter
	FC1Bias   *params.Parameter
	FC2Weight *params.Parameter
	FC2Bias   *params.Parameter
}

// Parameters lists the expert's parameters.
func (e *Expert) Parameters() []*params.Parameter {
	return []*params.Parameter{e.FC1Weight, e.FC1Bias, e.FC2Weight, e.FC2Bias}
}

// A Sublayer is an MoE feed-forward sublayer holding one
// worker's share of the experts.
type Sublayer struct {
	Spec    *placement.SublayerSpec
	Gate    *Gate
	Experts []*Expert
}

// NewSublayer creates a sublayer whose parameter IDs start
// with prefix, e.g. "layers.3.mlp".
//
// Initial values depend only on the parameter IDs, so every
// replica of a gate or expert starts out identical.
func NewSublayer(prefix string, spec *placement.SublayerSpec) *Sublayer {
	id := func(format string, args ...interface{}) params.ID {
		return params.ID(prefix + "." + fmt.Sprintf(format, args...))
	}
	s := &Sublayer{
		Spec: spec,
		Gate: &Gate{
			Weight: params.NewRandom(id("gate.weight"), InitStddev, spec.NumExperts, spec.DModel),
			Bias:   params.New(id("gate.bias"), spec.NumExperts),
		},
	}
	outStddev := InitStddev / math.Sqrt(2)
	for _, idx := range spec.Experts {
		s.Experts = append(s.Experts, &Expert{
			Index:     idx,
			FC1Weight: params.NewRandom(id("experts.%d.fc1.weight", idx), InitStddev, spec.DHidden, spec.DModel),
			FC1Bias:   params.New(id("experts.%d.fc1.bias", idx), spec.DHidden),
			FC2Weight: params.NewRandom(id("experts.%d.fc2.weight", idx), outStddev, spec.DModel, spec.DHidden),
			FC2Bias:   params.New(id("experts.%d.fc2.bias", idx), spec.DModel),
		})
	}
	return s
}

// GateParameters lists the gating network's parameters.
func (s *Sublayer) GateParameters() []*params.Parameter {
	return []*params.Parameter{s.Gate.Weight, s.Gate.Bias}
}

// ExpertParameters lists the parameters of every local
// expert.
func (s *Sublayer) ExpertParameters() []*params.Parameter {
	var res []*params.Parameter
	for _, e := range s.Experts {
		res = append(res, e.Parameters()...)
	}
	return res
}

// Parameters lists every parameter of the sublayer.
func (s *Sublayer) Parameters() []*params.Parameter {
	return append(s.GateParameters(), s.ExpertParameters()...)
}
