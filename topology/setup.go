package topology

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	setupLock sync.Mutex
	current   *Topology
)

// Setup builds the process-wide Topology.
//
// Setup may be called more than once with identical
// arguments, in which case the registered Topology is
// returned. Calling it again with different arguments is
// an error, since communication groups cannot change
// while a job is running.
func Setup(worldSize, modelParallelSize int, distributedExperts bool) (*Topology, error) {
	setupLock.Lock()
	defer setupLock.Unlock()

	t, err := Build(worldSize, modelParallelSize, distributedExperts)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if current.WorldSize != t.WorldSize || current.ModelParallelSize != t.ModelParallelSize ||
			current.ExpertParallelSize != t.ExpertParallelSize {
			return nil, errors.Errorf("topology already set up as %s, cannot change to %s", current, t)
		}
		return current, nil
	}
	klog.V(1).Infof("registered %s", t)
	current = t
	return t, nil
}

// Reset forgets the registered Topology, so that a new
// job may set up a different one.
func Reset() {
	setupLock.Lock()
	defer setupLock.Unlock()
	current = nil
}

// Current returns the Topology registered by Setup, or nil.
func Current() *Topology {
	setupLock.Lock()
	defer setupLock.Unlock()
	return current
}
