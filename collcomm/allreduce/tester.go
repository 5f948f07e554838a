package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/moe-sys/collcomm"
	"github.com/unixpickle/moe-sys/simulator"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
//
// Every test runs several reductions back to back on the
// same Comms objects.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 5, 15, 16, 17} {
		for _, size := range []int{0, 1337} {
			for _, randomized := range []bool{false, true} {
				testName := fmt.Sprintf("Nodes=%d,Size=%d,Random=%v", numNodes, size, randomized)
				t.Run(testName, func(t *testing.T) {
					runAllreducerTest(t, reducer, numNodes, size, randomized, 3)
				})
			}
		}
	}
}

func runAllreducerTest(t *testing.T, reducer Allreducer, numNodes, size int, randomized bool,
	rounds int) {
	loop := simulator.NewEventLoop()
	vectors := make([][][]float64, rounds)
	sums := make([][]float64, rounds)
	for r := range vectors {
		vectors[r] = make([][]float64, numNodes)
		sums[r] = make([]float64, size)
		for i := range vectors[r] {
			vectors[r][i] = make([]float64, size)
			for j := range vectors[r][i] {
				vectors[r][i][j] = rand.NormFloat64()
				sums[r][j] += vectors[r][i][j]
			}
		}
	}
	nodes := simulator.NewNodes(numNodes)

	var network simulator.Network
	if randomized {
		network = simulator.RandomNetwork{}
	} else {
		switcher := simulator.NewFairShareSwitcher(numNodes, 1.0)
		network = simulator.NewSwitchedNetwork(switcher, nodes, 0.1)
	}

	results := make([][][]float64, rounds)
	for r := range results {
		results[r] = make([][]float64, numNodes)
	}
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		for r := 0; r < rounds; r++ {
			res, err := reducer.Allreduce(c, vectors[r][c.Index()], collcomm.Sum)
			if err != nil {
				t.Error(err)
				return
			}
			results[r][c.Index()] = res
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	for r := range results {
		verifyReductionResults(t, results[r], sums[r])
	}
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i)
				break
			}
		}
	}

	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
