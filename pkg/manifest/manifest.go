// Package manifest provides loading and validation of gsadash study
// manifests.
//
// A study manifest is a YAML or JSON file describing one LCA study: the
// functional unit and impact method, the uncertain exchanges of the model,
// and the Monte Carlo and validation parameters.
//
// Manifests are validated against an embedded JSON Schema before they are
// parsed. The schema disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	selection:
//	  project: bikes
//	  database: ecoinvent 3.9 cutoff
//	  activity: bicycle production
//	  amount: 1
//	  method: IPCC 2021 climate change GWP100
//	model:
//	  inputs:
//	    - name: steel, low-alloyed
//	      location: GLO
//	      output_name: bicycle production
//	      exchange_type: technosphere
//	      exchange_amount: 12.5
//	      distribution: lognormal
//	      scale: 0.3
//	      weight: 1.9
//	monte_carlo:
//	  iterations: 1000
//	  seed: 42
//	validation:
//	  max_influential: 20
//	  step: 5
//	  iterations: 200
package manifest

import (
	"fmt"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
)

// Defaults applied to optional fields.
const (
	DefaultIterations     = 1000
	DefaultMaxInfluential = 20
	DefaultStep           = 5
	DefaultValidationRuns = 100
	DefaultMetric         = "spearman"
	DefaultThreshold      = 0.8
	DefaultAmount         = 1.0
	DefaultExchangeType   = "technosphere"
	DefaultDistribution   = lca.DistributionLognormal
)

// Manifest is a validated study manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Selection  SelectionConfig  `json:"selection" yaml:"selection"`
	Model      ModelConfig      `json:"model" yaml:"model"`
	MonteCarlo MonteCarloConfig `json:"monte_carlo,omitempty" yaml:"monte_carlo,omitempty"`
	Validation ValidationConfig `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// SelectionConfig identifies the functional unit and impact method.
type SelectionConfig struct {
	Project  string `json:"project" yaml:"project"`
	Database string `json:"database" yaml:"database"`
	Activity string `json:"activity" yaml:"activity"`

	// Amount of the functional unit. Default: 1.
	Amount *float64 `json:"amount,omitempty" yaml:"amount,omitempty"`

	Method string `json:"method" yaml:"method"`
}

// ModelConfig lists the uncertain exchanges of the reference model.
type ModelConfig struct {
	Inputs []InputConfig `json:"inputs" yaml:"inputs"`
}

// InputConfig is one uncertain exchange.
type InputConfig struct {
	// ID defaults to input-<n> when omitted.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	Name           string  `json:"name" yaml:"name"`
	Location       string  `json:"location,omitempty" yaml:"location,omitempty"`
	Category       string  `json:"category,omitempty" yaml:"category,omitempty"`
	OutputName     string  `json:"output_name" yaml:"output_name"`
	OutputLocation string  `json:"output_location,omitempty" yaml:"output_location,omitempty"`
	ExchangeType   string  `json:"exchange_type,omitempty" yaml:"exchange_type,omitempty"`
	ExchangeAmount float64 `json:"exchange_amount" yaml:"exchange_amount"`

	// Distribution is lognormal, normal, uniform or none. Default: lognormal.
	Distribution string  `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	Scale        float64 `json:"scale,omitempty" yaml:"scale,omitempty"`

	// Weight is the characterization factor. Default: 1.
	Weight   *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Exponent float64  `json:"exponent,omitempty" yaml:"exponent,omitempty"`
}

// MonteCarloConfig configures the propagation run.
type MonteCarloConfig struct {
	// Iterations is the number of draws. Default: 1000.
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ValidationConfig configures the restricted-model validation run.
type ValidationConfig struct {
	MaxInfluential int     `json:"max_influential,omitempty" yaml:"max_influential,omitempty"`
	Step           int     `json:"step,omitempty" yaml:"step,omitempty"`
	Iterations     int     `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	Metric         string  `json:"metric,omitempty" yaml:"metric,omitempty"`
	Threshold      float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// Defaults are the study parameters used when a manifest omits them.
type Defaults struct {
	Iterations     int
	Seed           int64
	MaxInfluential int
	Step           int
	ValidationRuns int
	Metric         string
	Threshold      float64
}

// BuiltinDefaults returns the package defaults.
func BuiltinDefaults() Defaults {
	return Defaults{
		Iterations:     DefaultIterations,
		MaxInfluential: DefaultMaxInfluential,
		Step:           DefaultStep,
		ValidationRuns: DefaultValidationRuns,
		Metric:         DefaultMetric,
		Threshold:      DefaultThreshold,
	}
}

// ApplyDefaults fills unset optional fields from BuiltinDefaults.
func (m *Manifest) ApplyDefaults() {
	m.ApplyDefaultsFrom(BuiltinDefaults())
}

// ApplyDefaultsFrom fills unset optional fields from d. Zero fields of d
// fall back to the builtin values.
func (m *Manifest) ApplyDefaultsFrom(d Defaults) {
	b := BuiltinDefaults()
	if d.Iterations <= 0 {
		d.Iterations = b.Iterations
	}
	if d.MaxInfluential <= 0 {
		d.MaxInfluential = b.MaxInfluential
	}
	if d.Step <= 0 {
		d.Step = b.Step
	}
	if d.ValidationRuns <= 0 {
		d.ValidationRuns = b.ValidationRuns
	}
	if d.Metric == "" {
		d.Metric = b.Metric
	}
	if d.Threshold <= 0 {
		d.Threshold = b.Threshold
	}

	if m.Selection.Amount == nil {
		amount := DefaultAmount
		m.Selection.Amount = &amount
	}
	for i := range m.Model.Inputs {
		in := &m.Model.Inputs[i]
		if in.ID == "" {
			in.ID = fmt.Sprintf("input-%d", i)
		}
		if in.ExchangeType == "" {
			in.ExchangeType = DefaultExchangeType
		}
		if in.Distribution == "" {
			in.Distribution = DefaultDistribution
		}
		if in.Weight == nil {
			w := 1.0
			in.Weight = &w
		}
	}
	if m.MonteCarlo.Iterations == 0 {
		m.MonteCarlo.Iterations = d.Iterations
	}
	if m.MonteCarlo.Seed == 0 {
		m.MonteCarlo.Seed = d.Seed
	}
	if m.Validation.MaxInfluential == 0 {
		m.Validation.MaxInfluential = d.MaxInfluential
	}
	if m.Validation.Step == 0 {
		m.Validation.Step = d.Step
	}
	if m.Validation.Iterations == 0 {
		m.Validation.Iterations = d.ValidationRuns
	}
	if m.Validation.Metric == "" {
		m.Validation.Metric = d.Metric
	}
	if m.Validation.Threshold == 0 {
		m.Validation.Threshold = d.Threshold
	}
}

// LCASelection returns the selection as an lca value.
func (m *Manifest) LCASelection() lca.Selection {
	amount := DefaultAmount
	if m.Selection.Amount != nil {
		amount = *m.Selection.Amount
	}
	return lca.Selection{
		Project:  m.Selection.Project,
		Database: m.Selection.Database,
		Activity: m.Selection.Activity,
		Amount:   amount,
		Method:   m.Selection.Method,
	}
}

// ModelInputs converts the declared exchanges for lca.NewSyntheticModel.
func (m *Manifest) ModelInputs() []lca.ModelInput {
	out := make([]lca.ModelInput, len(m.Model.Inputs))
	for i, in := range m.Model.Inputs {
		weight := 1.0
		if in.Weight != nil {
			weight = *in.Weight
		}
		out[i] = lca.ModelInput{
			Input: lca.Input{
				ID:             in.ID,
				Name:           in.Name,
				Location:       in.Location,
				Category:       in.Category,
				OutputName:     in.OutputName,
				OutputLocation: in.OutputLocation,
				ExchangeType:   in.ExchangeType,
				ExchangeAmount: in.ExchangeAmount,
			},
			Distribution: in.Distribution,
			Scale:        in.Scale,
			Weight:       weight,
			Exponent:     in.Exponent,
		}
	}
	return out
}

// Evaluator builds the synthetic reference model described by the manifest.
func (m *Manifest) Evaluator() (*lca.SyntheticModel, error) {
	return lca.NewSyntheticModel(m.ModelInputs())
}
