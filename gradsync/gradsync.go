// Package gradsync averages gradients across the workers
// that hold replicas of each parameter.
package gradsync

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/moe-sys/collcomm"
	"github.com/unixpickle/moe-sys/collcomm/allreduce"
	"github.com/unixpickle/moe-sys/params"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Phase is the progress of one step's synchronization.
type Phase int

const (
	LocalBackwardDone Phase = iota
	SynchronizingShared
	SynchronizingExpertLocal
	SynchronizingDense
	Ready
)

func (p Phase) String() string {
	switch p {
	case LocalBackwardDone:
		return "LocalBackwardDone"
	case SynchronizingShared:
		return "SynchronizingShared"
	case SynchronizingExpertLocal:
		return "SynchronizingExpertLocal"
	case SynchronizingDense:
		return "SynchronizingDense"
	case Ready:
		return "Ready"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Precision is the wire format of gradients.
type Precision int

const (
	FP64 Precision = iota
	FP16
)

// ParsePrecision parses "fp64" or "fp16".
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "fp64":
		return FP64, nil
	case "fp16":
		return FP16, nil
	}
	return 0, errors.Errorf("unknown precision %q", s)
}

// ElemSize is the wire size of one element, in bytes.
func (p Precision) ElemSize() float64 {
	if p == FP16 {
		return 2
	}
	return collcomm.Float64Size
}

// A Synchronizer averages one worker's gradients with its
// peers once per training step.
//
// Every worker of a job must call Synchronize on the same
// steps with identically tagged parameters.
type Synchronizer struct {
	Reducer allreduce.Allreducer

	// Shared spans every worker that holds the shared
	// parameters.
	Shared *collcomm.Comms

	// ExpertLocal spans the workers that hold replicas of
	// this worker's experts.
	ExpertLocal *collcomm.Comms

	// Dense, if set, spans the data-parallel replicas of
	// this worker's untagged host parameters.
	// If nil, untagged parameters are left alone.
	Dense *collcomm.Comms

	Precision Precision

	phase Phase
	step  int
}

// Phase returns the current phase.
func (s *Synchronizer) Phase() Phase {
	return s.phase
}

// Ready reports whether the current step's gradients are
// fully synchronized and may be read by the optimizer.
func (s *Synchronizer) Ready() bool {
	return s.phase == Ready
}

// Reset starts a new step after local backward
// computation.
func (s *Synchronizer) Reset() {
	s.phase = LocalBackwardDone
	s.step++
}

// Synchronize averages every parameter's gradient over the
// group its tag selects.
//
// Shared parameters are averaged over the Shared group.
// ExpertLocal parameters are averaged over the ExpertLocal
// group only, since peers holding different experts must
// never mix their gradients.
//
// Either every gradient is replaced by its average, or, if
// any collective fails, none are and a *collcomm.Error is
// returned.
func (s *Synchronizer) Synchronize(ps []*params.Parameter, tags *params.Tags) error {
	if s.phase != LocalBackwardDone {
		return errors.Errorf("synchronize in phase %s (call Reset after each step)", s.phase)
	}
	byID := map[params.ID]*params.Parameter{}
	for _, p := range ps {
		if _, ok := byID[p.ID]; ok {
			return errors.Errorf("duplicate parameter %s", p.ID)
		}
		byID[p.ID] = p
	}

	staged := map[params.ID][]float64{}
	stages := []struct {
		phase Phase
		comms *collcomm.Comms
		ids   []params.ID
	}{
		{SynchronizingShared, s.Shared, tags.IDs(params.Shared)},
		{SynchronizingExpertLocal, s.ExpertLocal, tags.IDs(params.ExpertLocal)},
		{SynchronizingDense, s.Dense, untagged(ps, tags)},
	}
	for _, stage := range stages {
		s.phase = stage.phase
		if stage.comms == nil {
			if stage.phase != SynchronizingDense && len(stage.ids) > 0 {
				return errors.Errorf("no group for %d parameters in phase %s", len(stage.ids), stage.phase)
			}
			continue
		}
		for _, id := range stage.ids {
			p, ok := byID[id]
			if !ok {
				return errors.Errorf("tagged parameter %s is missing", id)
			}
			avg, err := s.average(stage.comms, p.Grad)
			if err != nil {
				klog.Errorf("step %d: averaging %s in %s failed: %v", s.step, id, stage.comms.Name, err)
				return err
			}
			staged[id] = avg
		}
		klog.V(2).Infof("step %d: averaged %d gradients over %d workers in %s", s.step,
			len(stage.ids), stage.comms.Size(), stage.comms.Name)
	}

	for id, avg := range staged {
		copy(byID[id].Grad, avg)
	}
	s.phase = Ready
	return nil
}

func (s *Synchronizer) average(c *collcomm.Comms, grad []float64) ([]float64, error) {
	c.ElemSize = s.Precision.ElemSize()
	data := append([]float64{}, grad...)
	if s.Precision == FP16 {
		for i, x := range data {
			data[i] = float64(float16.Fromfloat32(float32(x)).Float32())
		}
	}
	sum, err := s.Reducer.Allreduce(c, data, collcomm.Sum)
	if err != nil {
		return nil, err
	}
	res := append([]float64{}, sum...)
	collcomm.Scale(c.Handle, res, 1/float64(c.Size()))
	return res, nil
}

func untagged(ps []*params.Parameter, tags *params.Tags) []params.ID {
	var res []params.ID
	for _, p := range ps {
		if _, ok := tags.Get(p.ID); !ok {
			res = append(res, p.ID)
		}
	}
	essentials.VoodooSort(res, func(i, j int) bool {
		return res[i] < res[j]
	})
	return res
}
