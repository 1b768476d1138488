package montecarlo

import "math"

// DefaultBins matches the dashboard's score distribution graph.
const DefaultBins = 30

// MaxBins is the largest bin count a histogram is built with.
const MaxBins = 1000

// Histogram summarizes a score distribution.
type Histogram struct {
	Edges  []float64 `json:"edges"`
	Counts []int     `json:"counts"`
	N      int       `json:"n"`
	Mean   float64   `json:"mean"`
	Std    float64   `json:"std"`
}

// NewHistogram bins scores into equal-width bins. Edges has bins+1 entries;
// bins is clamped to MaxBins.
// A constant distribution yields a single populated bin.
func NewHistogram(scores []float64, bins int) Histogram {
	if bins <= 0 {
		bins = DefaultBins
	}
	bins = min(bins, MaxBins)
	h := Histogram{N: len(scores)}
	if len(scores) == 0 {
		return h
	}

	lo, hi := scores[0], scores[0]
	sum := 0.0
	for _, s := range scores {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
		sum += s
	}
	h.Mean = sum / float64(len(scores))
	if len(scores) > 1 {
		ss := 0.0
		for _, s := range scores {
			d := s - h.Mean
			ss += d * d
		}
		h.Std = math.Sqrt(ss / float64(len(scores)-1))
	}

	if hi == lo {
		h.Edges = []float64{lo, hi}
		h.Counts = []int{len(scores)}
		return h
	}

	width := (hi - lo) / float64(bins)
	h.Edges = make([]float64, bins+1)
	for i := range h.Edges {
		h.Edges[i] = lo + float64(i)*width
	}
	h.Edges[bins] = hi
	h.Counts = make([]int, bins)
	for _, s := range scores {
		k := int((s - lo) / width)
		if k >= bins {
			k = bins - 1
		}
		h.Counts[k]++
	}
	return h
}

// Histogram bins the scores stored so far.
func (b *Batch) Histogram(bins int) Histogram {
	return NewHistogram(b.Scores(), bins)
}
