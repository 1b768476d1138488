package lca

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// SpearmanEstimator is a reference Estimator: the GSA index of an input is
// the absolute Spearman rank correlation between its perturbation and the
// score.
type SpearmanEstimator struct{}

// Estimate implements Estimator.
func (SpearmanEstimator) Estimate(ctx context.Context, scores []float64, perturbations [][]float64, inputs []Input) ([]InputSensitivity, error) {
	if len(scores) == 0 {
		return nil, ErrEmptyDistribution
	}
	if len(perturbations) != len(scores) {
		return nil, fmt.Errorf("%w: %d scores, %d perturbation vectors", ErrLengthMismatch, len(scores), len(perturbations))
	}

	scoreRanks := ranks(scores)
	column := make([]float64, len(scores))
	out := make([]InputSensitivity, 0, len(inputs))
	for j, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, p := range perturbations {
			if j >= len(p) {
				return nil, fmt.Errorf("%w: draw %d has %d perturbations, want %d", ErrLengthMismatch, i, len(p), len(inputs))
			}
			column[i] = p[j]
		}
		rho := pearson(ranks(column), scoreRanks)
		out = append(out, SensitivityFor(in, math.Abs(rho)))
	}
	return out, nil
}

// Spearman compares paired distributions by rank correlation.
var Spearman = ComparatorFunc(func(full, restricted []float64) (float64, error) {
	if err := checkPaired(full, restricted); err != nil {
		return 0, err
	}
	return pearson(ranks(full), ranks(restricted)), nil
})

// PearsonR2 compares paired distributions by the coefficient of
// determination of a linear fit, the "degree of linearity".
var PearsonR2 = ComparatorFunc(func(full, restricted []float64) (float64, error) {
	if err := checkPaired(full, restricted); err != nil {
		return 0, err
	}
	r := pearson(full, restricted)
	return r * r, nil
})

// ComparatorByName resolves a configured metric name.
func ComparatorByName(name string) (Comparator, error) {
	switch name {
	case "", "spearman":
		return Spearman, nil
	case "r2", "pearson_r2":
		return PearsonR2, nil
	default:
		return nil, fmt.Errorf("unknown agreement metric %q", name)
	}
}

func checkPaired(a, b []float64) error {
	if len(a) == 0 || len(b) == 0 {
		return ErrEmptyDistribution
	}
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(a), len(b))
	}
	return nil
}

// pearson returns the correlation of x and y, or 0 when either is constant.
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n == 0 {
		return 0
	}
	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= n
	my /= n

	var sxy, sxx, syy float64
	for i := range x {
		dx := x[i] - mx
		dy := y[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	r := sxy / math.Sqrt(sxx*syy)
	if math.IsNaN(r) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}

// ranks assigns 1-based ranks, averaging ties.
func ranks(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })

	out := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && v[idx[j+1]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}
