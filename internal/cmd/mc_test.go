package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecological-systems-design/gsa-dashboard/internal/config"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
)

const studyYAML = `version: "1.0"
selection:
  project: bikes
  database: ecoinvent
  activity: bicycle production
  method: IPCC 2021
model:
  inputs:
    - id: steel
      name: steel, low-alloyed
      location: GLO
      output_name: bicycle production
      exchange_amount: 12.5
      scale: 0.6
      weight: 3
    - id: co2
      name: carbon dioxide
      category: air
      output_name: bicycle production
      exchange_type: biosphere
      exchange_amount: 1
      distribution: normal
      scale: 0.02
monte_carlo:
  iterations: 30
  seed: 11
validation:
  max_influential: 2
  step: 1
  iterations: 8
`

func writeStudy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "study.yaml")
	require.NoError(t, os.WriteFile(path, []byte(studyYAML), 0o644))
	return path
}

func studyConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:  config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Jobs:    config.JobsConfig{Backend: config.BackendMemory},
		Results: config.ResultsConfig{Path: filepath.Join(t.TempDir(), "results.db")},
	}
}

func TestMCRun(t *testing.T) {
	useConfig(t, studyConfig(t))
	study := writeStudy(t)

	out, err := runCommand(t, mcRunCmd, runMC, nil, map[string]string{"manifest": study, "quiet": "true"})
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=")
	assert.Contains(t, out, "iterations=30\n")
	lower := strings.ToLower(out)
	assert.Contains(t, lower, "gsa rank")
	assert.Contains(t, lower, "steel, low-alloyed")

	// The ranking was persisted for later inspection.
	out, err = runCommand(t, rankCmd, runRank, nil, map[string]string{"latest": "true", "format": "json"})
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "steel", rows[0]["input_id"])
}

func TestMCRunJSONWithOverrides(t *testing.T) {
	cfg := studyConfig(t)
	cfg.Results.Path = ""
	useConfig(t, cfg)

	out, err := runCommand(t, mcRunCmd, runMC, nil, map[string]string{
		"manifest":   writeStudy(t),
		"iterations": "12",
		"seed":       "0",
		"json":       "true",
	})
	require.NoError(t, err)

	var res mcRunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, jobregistry.StatusCompleted, res.State.Status)
	assert.Equal(t, 12, res.State.Total)
	assert.Len(t, res.Ranking, 2)
}

func TestMCRunRejectsBadInput(t *testing.T) {
	useConfig(t, studyConfig(t))

	_, err := runCommand(t, mcRunCmd, runMC, nil, map[string]string{"manifest": writeStudy(t), "format": "xml"})
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))

	_, err = runCommand(t, mcRunCmd, runMC, nil, map[string]string{"manifest": filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}

func TestValidateRun(t *testing.T) {
	useConfig(t, studyConfig(t))

	out, err := runCommand(t, validateRunCmd, runValidate, nil, map[string]string{"manifest": writeStudy(t), "quiet": "true"})
	require.NoError(t, err)
	assert.Contains(t, out, "monte_carlo_job_id=")
	assert.Contains(t, out, "validation_job_id=")
	assert.Contains(t, out, "metric=spearman\n")
	assert.Contains(t, strings.ToLower(out), "influential inputs")
	assert.Contains(t, out, "sufficient_k=")
}

func TestValidateRunRejectsBadMetricBeforeMonteCarlo(t *testing.T) {
	useConfig(t, studyConfig(t))

	_, err := runCommand(t, validateRunCmd, runValidate, nil, map[string]string{"manifest": writeStudy(t), "metric": "kendall"})
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
	assert.Contains(t, err.Error(), "kendall")
}

func TestFollowJobCancelsOnInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var cancelled atomic.Bool
	poll := func(context.Context) (jobregistry.JobState, error) {
		if cancelled.Load() {
			return jobregistry.JobState{JobID: "j1", Status: jobregistry.StatusCancelled, Completed: 1, Total: 4}, nil
		}
		return jobregistry.JobState{JobID: "j1", Status: jobregistry.StatusRunning, Completed: 1, Total: 4}, nil
	}

	var buf bytes.Buffer
	state, err := followJob(ctx, &buf, nil, "monte_carlo", poll, func(context.Context) error {
		cancelled.Store(true)
		return nil
	})
	require.ErrorIs(t, err, errInterrupted)
	assert.True(t, cancelled.Load())
	assert.Equal(t, jobregistry.StatusCancelled, state.Status)
	assert.Contains(t, buf.String(), "monte_carlo running 1/4 (25.0%)")
}

func TestJobFailure(t *testing.T) {
	assert.NoError(t, jobFailure("Monte Carlo run", jobregistry.JobState{Status: jobregistry.StatusCompleted}))

	err := jobFailure("Monte Carlo run", jobregistry.JobState{Status: jobregistry.StatusCancelled})
	assert.Equal(t, exitSignalInt, ExitCode(err))

	err = jobFailure("Validation run", jobregistry.JobState{Status: jobregistry.StatusFailed, Error: "evaluation failed"})
	assert.Equal(t, exitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "evaluation failed")
}
