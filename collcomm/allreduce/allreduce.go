// Package allreduce implements algorithms for summing or
// maxing vectors across many different connected Nodes.
package allreduce

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/unixpickle/moe-sys/collcomm"
)

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across nodes.
//
// Every node of the group obtains a bitwise-identical
// result.
// Each call starts a new operation on the Comms, so the
// same Comms may be used for many reductions in a row.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []float64, fn collcomm.ReduceFn) ([]float64, error)
}

var allreducers = map[string]Allreducer{
	"naive":  NaiveAllreducer{},
	"tree":   TreeAllreducer{},
	"stream": StreamAllreducer{},
}

// ByName looks up an Allreducer by its configuration name.
func ByName(name string) (Allreducer, error) {
	if r, ok := allreducers[name]; ok {
		return r, nil
	}
	return nil, errors.Errorf("unknown allreducer %q (options: %v)", name, Names())
}

// Names lists the registered Allreducer names.
func Names() []string {
	var names []string
	for name := range allreducers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
