// Package ddp wraps a model for data-parallel training
// with expert-aware gradient synchronization.
package ddp

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/moe-sys/gradsync"
	"github.com/unixpickle/moe-sys/params"
)

// A Module is a trainable model whose state can be saved
// and restored.
type Module interface {
	Parameters() []*params.Parameter
	StateDict() params.StateDict
	StateDictForSaveCheckpoint() params.StateDict
	LoadStateDict(state params.StateDict) error
}

// Wrapper owns a Module and synchronizes its gradients.
//
// State methods forward verbatim to the wrapped Module, so
// checkpoints of a wrapped module are indistinguishable
// from checkpoints of the bare module.
type Wrapper struct {
	module Module
	tags   *params.Tags
	sync   *gradsync.Synchronizer
}

// Wrap creates a Wrapper.
func Wrap(module Module, tags *params.Tags, sync *gradsync.Synchronizer) *Wrapper {
	return &Wrapper{module: module, tags: tags, sync: sync}
}

// Module returns the wrapped Module.
func (w *Wrapper) Module() Module {
	return w.module
}

// Parameters forwards to the wrapped Module.
func (w *Wrapper) Parameters() []*params.Parameter {
	return w.module.Parameters()
}

// StateDict forwards to the wrapped Module.
func (w *Wrapper) StateDict() params.StateDict {
	return w.module.StateDict()
}

// StateDictForSaveCheckpoint forwards to the wrapped
// Module.
func (w *Wrapper) StateDictForSaveCheckpoint() params.StateDict {
	return w.module.StateDictForSaveCheckpoint()
}

// LoadStateDict forwards to the wrapped Module.
func (w *Wrapper) LoadStateDict(state params.StateDict) error {
	return w.module.LoadStateDict(state)
}

// ZeroGrad clears every gradient and starts a new step.
func (w *Wrapper) ZeroGrad() {
	for _, p := range w.module.Parameters() {
		p.ZeroGrad()
	}
	w.sync.Reset()
}

// Synchronize averages the gradients of the current step.
func (w *Wrapper) Synchronize() error {
	return w.sync.Synchronize(w.module.Parameters(), w.tags)
}

// Step applies a plain SGD update.
//
// Step refuses to run unless the current step's gradients
// are fully synchronized.
func (w *Wrapper) Step(learningRate float64) error {
	if !w.sync.Ready() {
		return errors.Errorf("optimizer step in phase %s", w.sync.Phase())
	}
	for _, p := range w.module.Parameters() {
		for i, g := range p.Grad {
			p.Data[i] -= learningRate * g
		}
	}
	return nil
}
