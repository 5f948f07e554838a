package collcomm

import (
	"github.com/unixpickle/moe-sys/simulator"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
const FlopTime = 1e-9

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
//
// A ReduceFn must process its arguments in order, so that
// two nodes reducing the same vectors in the same order
// obtain bitwise-identical results.
type ReduceFn func(h *simulator.Handle, vecs ...[]float64) []float64

// Sum is a ReduceFn that computes a vector sum.
func Sum(h *simulator.Handle, vecs ...[]float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			res[i] += x
		}
	}

	// Simulate computation time.
	h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])))

	return res
}

// Scale multiplies a vector by a constant in place,
// charging the simulated computation time.
func Scale(h *simulator.Handle, vec []float64, scale float64) {
	for i := range vec {
		vec[i] *= scale
	}
	h.Sleep(FlopTime * float64(len(vec)))
}
