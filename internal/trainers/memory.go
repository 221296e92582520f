package trainers

import (
	"math/rand"
	"sort"

	"lifelong/internal/dataloaders"
)

// EpisodicMemory holds decoded samples from finished tasks, each with the
// output mask of the task it came from. It only grows.
type EpisodicMemory struct {
	Samples []dataloaders.Sample
	Masks   [][]bool
}

func (m *EpisodicMemory) Len() int { return len(m.Samples) }

// Append adds samples with their masks.
func (m *EpisodicMemory) Append(samples []dataloaders.Sample, masks [][]bool) {
	m.Samples = append(m.Samples, samples...)
	m.Masks = append(m.Masks, masks...)
}

// Sample draws min(n, Len) distinct entries. The result keeps memory order.
func (m *EpisodicMemory) Sample(n int, rng *rand.Rand) ([]dataloaders.Sample, [][]bool) {
	if n > m.Len() {
		n = m.Len()
	}
	idx := rng.Perm(m.Len())[:n]
	sort.Ints(idx)
	samples := make([]dataloaders.Sample, n)
	masks := make([][]bool, n)
	for i, j := range idx {
		samples[i] = m.Samples[j]
		masks[i] = m.Masks[j]
	}
	return samples, masks
}

// Labels returns the label of every stored sample.
func (m *EpisodicMemory) Labels() []int {
	out := make([]int, len(m.Samples))
	for i, s := range m.Samples {
		out[i] = s.Label
	}
	return out
}
