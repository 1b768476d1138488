package montecarlo

import (
	"fmt"
	"sync"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
)

// Batch is the append-only sample store of one Monte Carlo run. Entry i of
// Scores and Perturbations always belongs to draw i.
//
// A Batch is written by a single job goroutine and may be read concurrently.
type Batch struct {
	mu            sync.RWMutex
	scores        []float64
	perturbations [][]float64
	complete      bool
}

// Snapshot is a point-in-time copy of a Batch.
type Snapshot struct {
	Scores        []float64   `json:"scores"`
	Perturbations [][]float64 `json:"perturbations,omitempty"`
	Complete      bool        `json:"complete"`
}

// NewBatch returns an empty batch sized for n draws.
func NewBatch(n int) *Batch {
	if n < 0 {
		n = 0
	}
	return &Batch{
		scores:        make([]float64, 0, n),
		perturbations: make([][]float64, 0, n),
	}
}

// Append stores the sample of draw index. Draws must arrive in order.
func (b *Batch) Append(index int, s lca.Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return fmt.Errorf("batch is complete")
	}
	if index != len(b.scores) {
		return fmt.Errorf("out of order draw %d, next is %d", index, len(b.scores))
	}
	b.scores = append(b.scores, s.Score)
	b.perturbations = append(b.perturbations, append([]float64(nil), s.Perturbation...))
	return nil
}

// Len returns the number of stored draws.
func (b *Batch) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.scores)
}

// Complete reports whether every draw was stored and the batch sealed.
func (b *Batch) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.complete
}

func (b *Batch) seal() {
	b.mu.Lock()
	b.complete = true
	b.mu.Unlock()
}

// Scores returns a copy of the stored scores.
func (b *Batch) Scores() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]float64(nil), b.scores...)
}

// ScoresPrefix returns a copy of the first n scores, or false when fewer than
// n draws are stored.
func (b *Batch) ScoresPrefix(n int) ([]float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n < 0 || n > len(b.scores) {
		return nil, false
	}
	return append([]float64(nil), b.scores[:n]...), true
}

// Snapshot returns a deep copy of the batch.
func (b *Batch) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := Snapshot{
		Scores:        append([]float64(nil), b.scores...),
		Perturbations: make([][]float64, len(b.perturbations)),
		Complete:      b.complete,
	}
	for i, p := range b.perturbations {
		out.Perturbations[i] = append([]float64(nil), p...)
	}
	return out
}

// RestoreBatch rebuilds a sealed batch from stored scores. Perturbations are
// not persisted, so the result only serves score-based consumers.
func RestoreBatch(scores []float64) *Batch {
	b := NewBatch(len(scores))
	b.scores = append(b.scores, scores...)
	b.perturbations = make([][]float64, len(scores))
	b.complete = true
	return b
}
