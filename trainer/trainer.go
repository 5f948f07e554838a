// Package trainer runs simulated data-parallel training
// jobs for mixture-of-experts models.
package trainer

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/unixpickle/moe-sys/checkpoint"
	"github.com/unixpickle/moe-sys/collcomm"
	"github.com/unixpickle/moe-sys/collcomm/allreduce"
	"github.com/unixpickle/moe-sys/config"
	"github.com/unixpickle/moe-sys/ddp"
	"github.com/unixpickle/moe-sys/gradsync"
	"github.com/unixpickle/moe-sys/moe"
	"github.com/unixpickle/moe-sys/params"
	"github.com/unixpickle/moe-sys/placement"
	"github.com/unixpickle/moe-sys/simulator"
	"github.com/unixpickle/moe-sys/topology"
	"k8s.io/klog/v2"
)

// A GradientFn fills in a parameter's local gradient for
// one worker and step.
type GradientFn func(rank, step int, p *params.Parameter)

// RandomGradients returns a GradientFn that produces
// reproducible Gaussian gradients.
func RandomGradients(seed int64) GradientFn {
	return func(rank, step int, p *params.Parameter) {
		gen := rand.New(rand.NewSource(seed + params.Seed(p.ID) + int64(rank)*1000003 +
			int64(step)*7919))
		for i := range p.Grad {
			p.Grad[i] = gen.NormFloat64()
		}
	}
}

// A Job is a simulated training run.
type Job struct {
	Config config.Config

	// Topology, if set, is the registered layout of the
	// job and must match Config. If nil, it is built from
	// Config.
	Topology *topology.Topology

	// Network creates the network connecting the workers.
	// If nil, a switched network is built from the
	// Config's rate and latency.
	Network func(nodes []*simulator.Node) simulator.Network

	// Gradients produces local gradients.
	// If nil, RandomGradients(Config.Seed) is used.
	Gradients GradientFn

	// OnStep, if set, is called by rank 0 after each
	// completed step.
	OnStep func(step int)
}

// A WorkerResult is the final state of one worker.
type WorkerResult struct {
	Coords    topology.Coords
	Experts   []int
	State     params.StateDict
	BytesSent float64
}

// A Result summarizes a completed Job.
type Result struct {
	ID         string
	Topology   *topology.Topology
	Assignment placement.Assignment
	Workers    []*WorkerResult

	// Time is the virtual time the job took.
	Time float64
}

// BytesSent sums the bytes sent by every worker.
func (r *Result) BytesSent() float64 {
	var res float64
	for _, w := range r.Workers {
		res += w.BytesSent
	}
	return res
}

// Run runs the job to completion.
//
// Configuration problems are reported as *config.Error
// before any worker starts.
// If any collective fails, or the workers deadlock, Run
// returns a *collcomm.Error.
func (j *Job) Run() (*Result, error) {
	cfg := j.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topo := j.Topology
	if topo == nil {
		var err error
		if topo, err = topology.FromConfig(cfg); err != nil {
			return nil, err
		}
	} else if err := topo.CheckConfig(cfg); err != nil {
		return nil, err
	}
	assignment, err := placement.Assign(cfg.NumExperts, topo)
	if err != nil {
		return nil, err
	}
	reducer, err := allreduce.ByName(cfg.Reducer)
	if err != nil {
		return nil, config.Errorf("reducer", "%v", err)
	}
	precision, err := gradsync.ParsePrecision(cfg.WirePrecision)
	if err != nil {
		return nil, config.Errorf("wire_precision", "%v", err)
	}
	gradients := j.Gradients
	if gradients == nil {
		gradients = RandomGradients(cfg.Seed)
	}

	res := &Result{
		ID:         checkpoint.NewRunID(),
		Topology:   topo,
		Assignment: assignment,
		Workers:    make([]*WorkerResult, topo.WorldSize),
	}
	klog.V(1).Infof("job %s: %s, %d experts, %d steps", res.ID, topo, cfg.NumExperts, cfg.Steps)

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(topo.WorldSize)
	network := j.network(nodes)

	workerErrs := make([]error, topo.WorldSize)
	collcomm.SpawnGroups(loop, network, nodes, topo.CommGroups(),
		func(rank int, comms map[string]*collcomm.Comms) {
			for _, c := range comms {
				c.Timeout = cfg.Timeout
			}
			w := &worker{
				job:       j,
				rank:      rank,
				coords:    topo.Coords(rank),
				gradients: gradients,
			}
			sync := &gradsync.Synchronizer{
				Reducer:     reducer,
				Shared:      comms[string(topology.Shared)],
				ExpertLocal: comms[string(topology.ExpertDataParallel)],
				Dense:       comms[string(topology.DataParallel)],
				Precision:   precision,
			}
			result, err := w.run(topo, sync)
			if err != nil {
				workerErrs[rank] = err
				return
			}
			for _, c := range comms {
				result.BytesSent += c.BytesSent()
			}
			res.Workers[rank] = result
		})

	if err := loop.Run(); err != nil {
		if firstErr := firstError(workerErrs); firstErr != nil {
			return nil, firstErr
		}
		klog.Errorf("job %s: %v", res.ID, err)
		return nil, &collcomm.Error{Group: collcomm.WorldGroup, Rank: -1, Err: err}
	}
	if firstErr := firstError(workerErrs); firstErr != nil {
		return nil, firstErr
	}
	res.Time = loop.Time()
	klog.V(1).Infof("job %s: finished in %f virtual seconds", res.ID, res.Time)
	return res, nil
}

func (j *Job) network(nodes []*simulator.Node) simulator.Network {
	if j.Network != nil {
		return j.Network(nodes)
	}
	switcher := simulator.NewFairShareSwitcher(len(nodes), j.Config.Rate)
	return simulator.NewSwitchedNetwork(switcher, nodes, j.Config.Latency)
}

type worker struct {
	job       *Job
	rank      int
	coords    topology.Coords
	gradients GradientFn
}

func (w *worker) run(topo *topology.Topology, sync *gradsync.Synchronizer) (*WorkerResult, error) {
	cfg := w.job.Config
	host := moe.NewTransformer(cfg.NumLayers, cfg.HiddenSize, w.coords.ModelParallelRank,
		topo.ModelParallelSize)
	tags, err := moe.Fmoefy(host, cfg, topo, w.rank)
	if err != nil {
		return nil, err
	}
	model := ddp.Wrap(host, tags, sync)

	for step := 0; step < cfg.Steps; step++ {
		model.ZeroGrad()
		for _, p := range model.Parameters() {
			w.gradients(w.rank, step, p)
		}
		if err := model.Synchronize(); err != nil {
			return nil, errors.Wrapf(err, "step %d", step)
		}
		if err := model.Step(cfg.LearningRate); err != nil {
			return nil, err
		}
		if w.rank == 0 && w.job.OnStep != nil {
			w.job.OnStep(step)
		}
	}

	return &WorkerResult{
		Coords:  w.coords,
		Experts: host.Layers[0].MLP.(*moe.Sublayer).Spec.Experts,
		State:   model.StateDictForSaveCheckpoint(),
	}, nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
