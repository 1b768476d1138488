// Package lca defines the contracts between the job core and the external
// life cycle assessment collaborators: the model evaluator, the global
// sensitivity analysis (GSA) estimator and the agreement metric used by
// validation runs.
//
// The package also ships reference implementations (SyntheticModel,
// SpearmanEstimator, Spearman, PearsonR2) so the dashboard can run end to end
// without an LCA library attached.
package lca

import (
	"context"
	"fmt"
	"strings"
)

// Selection identifies the functional unit and impact method of an LCA
// calculation.
type Selection struct {
	Project  string  `json:"project" yaml:"project"`
	Database string  `json:"database" yaml:"database"`
	Activity string  `json:"activity" yaml:"activity"`
	Amount   float64 `json:"amount" yaml:"amount"`
	Method   string  `json:"method" yaml:"method"`
}

// Missing returns the names of required selection fields that are empty.
func (s Selection) Missing() []string {
	var missing []string
	if strings.TrimSpace(s.Project) == "" {
		missing = append(missing, "project")
	}
	if strings.TrimSpace(s.Database) == "" {
		missing = append(missing, "database")
	}
	if strings.TrimSpace(s.Activity) == "" {
		missing = append(missing, "activity")
	}
	if strings.TrimSpace(s.Method) == "" {
		missing = append(missing, "method")
	}
	return missing
}

// String renders the selection for logs.
func (s Selection) String() string {
	return fmt.Sprintf("%s/%s/%s x%g [%s]", s.Project, s.Database, s.Activity, s.Amount, s.Method)
}

// Input is one uncertain exchange of the LCA model.
type Input struct {
	// ID uniquely identifies the exchange within a model.
	ID string `json:"id"`

	Name           string  `json:"name"`
	Location       string  `json:"location,omitempty"`
	Category       string  `json:"category,omitempty"`
	OutputName     string  `json:"output_name"`
	OutputLocation string  `json:"output_location,omitempty"`
	ExchangeType   string  `json:"exchange_type"`
	ExchangeAmount float64 `json:"exchange_amount"`
}

// Sample is the outcome of one Monte Carlo draw.
type Sample struct {
	// Score is the scalar impact score.
	Score float64 `json:"score"`

	// Perturbation holds the multiplicative perturbation applied to each
	// model input, index-aligned with the model's Inputs.
	Perturbation []float64 `json:"perturbation"`
}

// InputSensitivity is the GSA result for one model input.
type InputSensitivity struct {
	InputID        string  `json:"input_id"`
	Name           string  `json:"name"`
	Location       string  `json:"location,omitempty"`
	Category       string  `json:"category,omitempty"`
	OutputName     string  `json:"output_name"`
	OutputLocation string  `json:"output_location,omitempty"`
	ExchangeType   string  `json:"exchange_type"`
	ExchangeAmount float64 `json:"exchange_amount"`
	GSAIndex       float64 `json:"gsa_index"`
}

// SensitivityFor copies the descriptive fields of in into an
// InputSensitivity carrying index.
func SensitivityFor(in Input, index float64) InputSensitivity {
	return InputSensitivity{
		InputID:        in.ID,
		Name:           in.Name,
		Location:       in.Location,
		Category:       in.Category,
		OutputName:     in.OutputName,
		OutputLocation: in.OutputLocation,
		ExchangeType:   in.ExchangeType,
		ExchangeAmount: in.ExchangeAmount,
		GSAIndex:       index,
	}
}

// Evaluator computes one impact score per draw.
//
// Implementations must be deterministic in (sel, seed, varied). When varied
// is nil every model input is perturbed; otherwise only inputs whose ID is
// listed are perturbed and the rest stay at their static amount.
type Evaluator interface {
	Evaluate(ctx context.Context, sel Selection, seed int64, varied []string) (Sample, error)

	// Inputs lists the uncertain exchanges of the model for sel.
	Inputs(ctx context.Context, sel Selection) ([]Input, error)
}

// Estimator turns a completed sample batch into one sensitivity value per
// model input.
type Estimator interface {
	Estimate(ctx context.Context, scores []float64, perturbations [][]float64, inputs []Input) ([]InputSensitivity, error)
}

// Comparator scores the agreement between a full-model distribution and a
// restricted-model distribution drawn with the same seeds.
type Comparator interface {
	Compare(full, restricted []float64) (float64, error)
}

// ComparatorFunc adapts a plain function to Comparator.
type ComparatorFunc func(full, restricted []float64) (float64, error)

// Compare implements Comparator.
func (f ComparatorFunc) Compare(full, restricted []float64) (float64, error) {
	return f(full, restricted)
}
