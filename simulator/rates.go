package simulator

// A RateMatrix holds a rate for every ordered pair of
// Nodes, with sources as rows and destinations as columns.
type RateMatrix struct {
	size  int
	rates []float64
}

// NewRateMatrix creates an all-zero matrix.
func NewRateMatrix(size int) *RateMatrix {
	return &RateMatrix{size: size, rates: make([]float64, size*size)}
}

// Size returns the number of Nodes.
func (m *RateMatrix) Size() int {
	return m.size
}

// At gets the rate from src to dst.
func (m *RateMatrix) At(src, dst int) float64 {
	return m.rates[m.offset(src, dst)]
}

// Set sets the rate from src to dst.
func (m *RateMatrix) Set(src, dst int, rate float64) {
	m.rates[m.offset(src, dst)] = rate
}

// RowSum is the total rate out of src.
func (m *RateMatrix) RowSum(src int) float64 {
	var sum float64
	for dst := 0; dst < m.size; dst++ {
		sum += m.At(src, dst)
	}
	return sum
}

// ColSum is the total rate into dst.
func (m *RateMatrix) ColSum(dst int) float64 {
	var sum float64
	for src := 0; src < m.size; src++ {
		sum += m.At(src, dst)
	}
	return sum
}

// ScaleRow multiplies every rate out of src.
func (m *RateMatrix) ScaleRow(src int, scale float64) {
	for dst := 0; dst < m.size; dst++ {
		m.rates[m.offset(src, dst)] *= scale
	}
}

// ScaleCol multiplies every rate into dst.
func (m *RateMatrix) ScaleCol(dst int, scale float64) {
	for src := 0; src < m.size; src++ {
		m.rates[m.offset(src, dst)] *= scale
	}
}

func (m *RateMatrix) offset(src, dst int) int {
	if src < 0 || dst < 0 || src >= m.size || dst >= m.size {
		panic("index out of bounds")
	}
	return src*m.size + dst
}

// A Switcher decides how fast data flows between Nodes
// when links are shared.
type Switcher interface {
	// Allocate turns a demand matrix, with a 1 for every
	// pair of Nodes that has data to send and 0
	// elsewhere, into the rate each pair actually gets.
	Allocate(m *RateMatrix)
}

// A FairShareSwitcher splits each Node's uplink evenly
// between the destinations it is sending to, then
// throttles every Node whose downlink is oversubscribed,
// cutting each incoming flow by the same factor.
type FairShareSwitcher struct {
	Uplink   []float64
	Downlink []float64
}

// NewFairShareSwitcher creates a FairShareSwitcher where
// every Node has the same uplink and downlink rate.
func NewFairShareSwitcher(numNodes int, rate float64) *FairShareSwitcher {
	rates := make([]float64, numNodes)
	for i := range rates {
		rates[i] = rate
	}
	return &FairShareSwitcher{Uplink: rates, Downlink: rates}
}

// Allocate applies the uplink split and then the downlink
// throttle.
func (f *FairShareSwitcher) Allocate(m *RateMatrix) {
	if m.Size() != len(f.Uplink) || m.Size() != len(f.Downlink) {
		panic("unexpected number of nodes")
	}
	for src := 0; src < m.Size(); src++ {
		if flows := m.RowSum(src); flows > 0 {
			m.ScaleRow(src, f.Uplink[src]/flows)
		}
	}
	for dst := 0; dst < m.Size(); dst++ {
		if incoming := m.ColSum(dst); incoming > f.Downlink[dst] {
			m.ScaleCol(dst, f.Downlink[dst]/incoming)
		}
	}
}
