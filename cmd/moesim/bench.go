package main

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/unixpickle/moe-sys/collcomm"
	"github.com/unixpickle/moe-sys/collcomm/allreduce"
	"github.com/unixpickle/moe-sys/simulator"
	"golang.org/x/sync/errgroup"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int
	Latency  float64
	Rate     float64
}

// Run creates a network, drops each host into its own
// Goroutine, and returns the virtual time the run took.
func (r *RunInfo) Run(commFn func(c *collcomm.Comms) error) (float64, error) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(r.NumNodes)
	switcher := simulator.NewFairShareSwitcher(r.NumNodes, r.Rate)
	network := simulator.NewSwitchedNetwork(switcher, nodes, r.Latency)
	errs := make([]error, r.NumNodes)
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		errs[c.Index()] = commFn(c)
	})
	if err := loop.Run(); err != nil {
		return 0, err
	}
	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	return loop.Time(), nil
}

// DefaultRuns are the network configurations that bench
// measures.
var DefaultRuns = []RunInfo{
	{NumNodes: 2, Latency: 0.1, Rate: 1e6},
	{NumNodes: 16, Latency: 1e-3, Rate: 1e6},
	{NumNodes: 32, Latency: 0.1, Rate: 1e6},
	{NumNodes: 32, Latency: 0.1, Rate: 1e9},
	{NumNodes: 32, Latency: 1e-4, Rate: 1e9},
}

func NewBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the all-reduce algorithms on simulated networks",
		Args:  cobra.NoArgs,
		RunE:  benchHandler,
	}
	cmd.Flags().IntSlice("sizes", []int{10, 10000, 1000000}, "vector sizes to reduce")
	cmd.Flags().Int("jobs", runtime.NumCPU(), "number of simulations to run at once")
	return cmd
}

func benchHandler(cmd *cobra.Command, args []string) error {
	sizes, _ := cmd.Flags().GetIntSlice("sizes")
	jobs, _ := cmd.Flags().GetInt("jobs")

	names := allreduce.Names()
	grid, err := benchGrid(DefaultRuns, sizes, names, jobs)
	if err != nil {
		return err
	}

	header := []string{"NODES", "LATENCY", "NIC RATE", "SIZE"}
	header = append(header, names...)
	var data [][]string
	for i, run := range DefaultRuns {
		for j, size := range sizes {
			row := []string{
				strconv.Itoa(run.NumNodes),
				strconv.FormatFloat(run.Latency, 'f', -1, 64),
				strconv.FormatFloat(run.Rate, 'E', -1, 64),
				strconv.Itoa(size),
			}
			for _, t := range grid[i][j] {
				row = append(row, fmt.Sprintf("%f", t))
			}
			data = append(data, row)
		}
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// benchGrid times every reducer on every run and vector
// size, indexed as [run][size][reducer].
func benchGrid(runs []RunInfo, sizes []int, names []string, jobs int) ([][][]float64, error) {
	grid := make([][][]float64, len(runs))
	var g errgroup.Group
	g.SetLimit(jobs)
	for i, run := range runs {
		grid[i] = make([][]float64, len(sizes))
		for j, size := range sizes {
			grid[i][j] = make([]float64, len(names))
			for k, name := range names {
				reducer, err := allreduce.ByName(name)
				if err != nil {
					return nil, err
				}
				g.Go(func() error {
					t, err := run.Run(func(c *collcomm.Comms) error {
						_, err := reducer.Allreduce(c, make([]float64, size), FakeReduce)
						return err
					})
					grid[i][j][k] = t
					return err
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return grid, nil
}

// FakeReduce is a ReduceFn that takes no actual CPU time.
func FakeReduce(h *simulator.Handle, vecs ...[]float64) []float64 {
	h.Sleep(collcomm.FlopTime * float64(len(vecs)*len(vecs[0])))
	return make([]float64, len(vecs[0]))
}
