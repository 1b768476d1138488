package lca

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// Distribution names understood by SyntheticModel.
const (
	DistributionLognormal = "lognormal"
	DistributionNormal    = "normal"
	DistributionUniform   = "uniform"
	DistributionNone      = "none"
)

// pcgStream fixes the PCG stream so a seed alone determines the variates.
const pcgStream = 0x9e3779b97f4a7c15

// ModelInput is an uncertain exchange of the synthetic model together with
// its uncertainty description and characterization weight.
type ModelInput struct {
	Input

	// Distribution is one of lognormal, normal, uniform or none.
	Distribution string `json:"distribution"`

	// Scale is the geometric standard deviation exponent (lognormal), the
	// relative standard deviation (normal) or the relative half-width
	// (uniform).
	Scale float64 `json:"scale"`

	// Weight is the characterization factor applied to the exchange.
	Weight float64 `json:"weight"`

	// Exponent bends the exchange response; 0 is treated as 1.
	Exponent float64 `json:"exponent,omitempty"`
}

// SyntheticModel is a reference Evaluator: the score is the selected amount
// times the weighted sum of perturbed exchange amounts.
//
// Every draw consumes the same variates in the same order whether or not an
// input is varied, so restricted and full draws with one seed are paired.
type SyntheticModel struct {
	inputs []ModelInput
	index  map[string]int
}

// NewSyntheticModel validates inputs and builds a model.
func NewSyntheticModel(inputs []ModelInput) (*SyntheticModel, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("synthetic model requires at least one input")
	}
	m := &SyntheticModel{
		inputs: make([]ModelInput, len(inputs)),
		index:  make(map[string]int, len(inputs)),
	}
	for i, in := range inputs {
		if strings.TrimSpace(in.ID) == "" {
			in.ID = fmt.Sprintf("input-%d", i+1)
		}
		if _, dup := m.index[in.ID]; dup {
			return nil, fmt.Errorf("duplicate input id %q", in.ID)
		}
		in.Distribution = strings.ToLower(strings.TrimSpace(in.Distribution))
		switch in.Distribution {
		case "":
			in.Distribution = DistributionLognormal
		case DistributionLognormal, DistributionNormal, DistributionUniform, DistributionNone:
		default:
			return nil, fmt.Errorf("input %q: unsupported distribution %q", in.ID, in.Distribution)
		}
		if in.Scale < 0 {
			return nil, fmt.Errorf("input %q: scale must be >= 0", in.ID)
		}
		if in.Exponent == 0 {
			in.Exponent = 1
		}
		m.inputs[i] = in
		m.index[in.ID] = i
	}
	return m, nil
}

// Inputs implements Evaluator.
func (m *SyntheticModel) Inputs(_ context.Context, _ Selection) ([]Input, error) {
	out := make([]Input, len(m.inputs))
	for i, in := range m.inputs {
		out[i] = in.Input
	}
	return out, nil
}

// Evaluate implements Evaluator.
func (m *SyntheticModel) Evaluate(ctx context.Context, sel Selection, seed int64, varied []string) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	vary := make([]bool, len(m.inputs))
	if varied == nil {
		for i := range vary {
			vary[i] = true
		}
	} else {
		for _, id := range varied {
			i, ok := m.index[id]
			if !ok {
				return Sample{}, fmt.Errorf("%w: %s", ErrUnknownInput, id)
			}
			vary[i] = true
		}
	}

	r := rand.New(rand.NewPCG(uint64(seed), pcgStream))
	perturbation := make([]float64, len(m.inputs))
	var score float64
	for i, in := range m.inputs {
		z := r.NormFloat64()
		u := r.Float64()

		mult := 1.0
		if vary[i] {
			mult = multiplier(in.Distribution, in.Scale, z, u)
		}
		perturbation[i] = mult

		value := in.ExchangeAmount * mult
		if in.Exponent != 1 {
			value = math.Copysign(math.Pow(math.Abs(value), in.Exponent), value)
		}
		score += in.Weight * value
	}

	return Sample{Score: sel.Amount * score, Perturbation: perturbation}, nil
}

func multiplier(dist string, scale, z, u float64) float64 {
	switch dist {
	case DistributionLognormal:
		return math.Exp(scale * z)
	case DistributionNormal:
		return 1 + scale*z
	case DistributionUniform:
		return 1 + scale*(2*u-1)
	default:
		return 1
	}
}
