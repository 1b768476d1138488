package dashboard

import (
	"fmt"
	"strings"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/lca"
)

// JobConfig fully determines a Monte Carlo run for a given evaluator.
type JobConfig struct {
	Selection  lca.Selection `json:"selection"`
	Iterations int           `json:"iterations"`
	Seed       int64         `json:"seed"`
}

// Validate reports every invalid field at once.
func (c JobConfig) Validate() error {
	var problems []string
	for _, f := range c.Selection.Missing() {
		problems = append(problems, f+" is required")
	}
	if c.Iterations <= 0 {
		problems = append(problems, fmt.Sprintf("iterations must be > 0, got %d", c.Iterations))
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// ValidationConfig parameterizes a validation run. Selection and seed come
// from the Monte Carlo run that produced the ranking.
type ValidationConfig struct {
	MaxInfluential int    `json:"max_influential"`
	Step           int    `json:"step"`
	Iterations     int    `json:"iterations"`
	Metric         string `json:"metric,omitempty"`
}

// Validate reports every invalid field at once.
func (c ValidationConfig) Validate() error {
	var problems []string
	if c.MaxInfluential <= 0 {
		problems = append(problems, fmt.Sprintf("max_influential must be > 0, got %d", c.MaxInfluential))
	}
	if c.Step <= 0 {
		problems = append(problems, fmt.Sprintf("step must be > 0, got %d", c.Step))
	} else if c.MaxInfluential > 0 && c.Step > c.MaxInfluential {
		problems = append(problems, fmt.Sprintf("step %d exceeds max_influential %d", c.Step, c.MaxInfluential))
	}
	if c.Iterations <= 0 {
		problems = append(problems, fmt.Sprintf("iterations must be > 0, got %d", c.Iterations))
	}
	if _, err := lca.ComparatorByName(c.Metric); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// ConfigurationError is returned by start requests with invalid options. No
// job is created.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}
