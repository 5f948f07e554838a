package moe

import (
	"fmt"

	"github.com/unixpickle/moe-sys/config"
	"github.com/unixpickle/moe-sys/params"
	"github.com/unixpickle/moe-sys/placement"
	"github.com/unixpickle/moe-sys/topology"
	"k8s.io/klog/v2"
)

// Fmoefy replaces the feed-forward member of every block
// of host with an MoE sublayer for the given rank, and
// returns the tags of the new sublayers' parameters.
//
// Configuration problems are reported before any block is
// modified.
func Fmoefy(host Host, cfg config.Config, topo *topology.Topology, rank int) (*params.Tags, error) {
	spec, err := placement.PlaceExperts(cfg, topo, rank)
	if err != nil {
		return nil, err
	}
	layers := host.TransformerLayers()
	sublayers := make([]params.Classifier, len(layers))
	for i := range layers {
		sublayers[i] = NewSublayer(fmt.Sprintf("layers.%d.mlp", i), spec)
	}
	tags, err := params.Classify(sublayers...)
	if err != nil {
		return nil, err
	}
	for i, block := range layers {
		block.MLP = sublayers[i].(*Sublayer)
	}
	klog.V(2).Infof("rank %d: replaced %d MLPs with %s", rank, len(layers), spec)
	return tags, nil
}
