package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/dashboard"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/validation"
)

var (
	valManifest       string
	valIterations     int
	valSeed           int64
	valMaxInfluential int
	valStep           int
	valRuns           int
	valMetric         string
	valJSON           bool
	valQuiet          bool
	valEvents         string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Restricted-model validation",
}

var validateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Rank inputs, then validate restricted models of growing size",
	Long: `Run Monte Carlo propagation, rank the inputs and then re-run the model
varying only the top K inputs for K = step, 2*step, ... max-influential.

Each step reports how well the restricted model reproduces the full model
scores. The smallest K reaching the configured threshold is reported as
sufficient.

Examples:
  gsadash validate run -m study.yaml
  gsadash validate run -m study.yaml --max-influential 10 --step 2 --metric r2
  gsadash validate run -m study.yaml --events - | jq -c 'select(.type == "gsadash.trial.v1")'`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.AddCommand(validateRunCmd)

	f := validateRunCmd.Flags()
	f.StringVarP(&valManifest, "manifest", "m", "", "Path to study manifest (required)")
	f.IntVar(&valIterations, "iterations", 0, "Monte Carlo draws (default from manifest)")
	f.Int64Var(&valSeed, "seed", 0, "Master seed (default from manifest)")
	f.IntVar(&valMaxInfluential, "max-influential", 0, "Largest K tried (default from manifest)")
	f.IntVar(&valStep, "step", 0, "K increment (default from manifest)")
	f.IntVar(&valRuns, "validation-iterations", 0, "Draws per step (default from manifest)")
	f.StringVar(&valMetric, "metric", "", "Agreement metric: spearman, r2 (default from manifest)")
	f.BoolVar(&valJSON, "json", false, "Output JSON")
	f.BoolVarP(&valQuiet, "quiet", "q", false, "Do not report progress")
	f.StringVar(&valEvents, "events", "", "Append JSONL job events to this file (- for stdout, replaces normal output)")
	_ = validateRunCmd.MarkFlagRequired("manifest")
}

type validateResult struct {
	MonteCarloJobID string                     `json:"monte_carlo_job_id"`
	Status          dashboard.ValidationStatus `json:"validation"`
	Threshold       float64                    `json:"threshold"`
}

func runValidate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	rt, err := newRuntime(ctx, cfg, valManifest)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, cfg.Server.ShutdownTimeout)

	vc := rt.validationConfig()
	if valMaxInfluential > 0 {
		vc.MaxInfluential = valMaxInfluential
	}
	if valStep > 0 {
		vc.Step = valStep
	}
	if valRuns > 0 {
		vc.Iterations = valRuns
	}
	if valMetric != "" {
		vc.Metric = valMetric
	}
	// Fail before spending a Monte Carlo run on an unusable request.
	if err := vc.Validate(); err != nil {
		return exitError(exitInvalidArgument, "Invalid validation configuration", err)
	}

	stream, err := openEvents(valEvents, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	progress := progressWriter(valQuiet, valJSON)
	mc, err := runMonteCarlo(ctx, rt, rt.jobConfig(valIterations, valSeed, cmd.Flags().Changed("seed")), progress, stream)
	if err != nil {
		return err
	}
	mcJobID := mc.JobID

	jobID, err := rt.svc.StartValidation(ctx, vc)
	if err != nil {
		var cfgErr *dashboard.ConfigurationError
		if errors.As(err, &cfgErr) {
			return exitError(exitInvalidArgument, "Invalid validation configuration", err)
		}
		return exitError(exitFailure, "Failed to start validation run", err)
	}
	observability.CLILogger.Info("Validation run started",
		zap.String("job_id", jobID),
		zap.String("source_job_id", mcJobID),
		zap.Int("max_influential", vc.MaxInfluential),
		zap.Int("step", vc.Step))

	events := stream.job(jobID, jobregistry.RoleValidation)
	defer closeJobEvents(events)

	state, err := followJob(ctx, progress, events, "validation",
		func(ctx context.Context) (jobregistry.JobState, error) {
			st, err := rt.svc.PollValidation(ctx, jobID)
			return st.State, err
		},
		func(ctx context.Context) error { return rt.svc.CancelValidation(ctx, jobID) })
	if err != nil && !errors.Is(err, errInterrupted) {
		return exitError(exitFailure, "Failed to poll validation run", err)
	}
	status, serr := rt.svc.PollValidation(context.WithoutCancel(ctx), jobID)
	if serr != nil {
		return exitError(exitFailure, "Failed to read validation result", serr)
	}
	// Trials finished before a failure or cancel are still reported.
	emitTrend(ctx, events, status)
	emitOutcome(ctx, events, state)

	if errors.Is(err, errInterrupted) {
		return exitError(exitSignalInt, "Validation run cancelled", nil)
	}
	if err := jobFailure("Validation run", state); err != nil {
		return err
	}
	if stream.replacesOutput() {
		return nil
	}

	out := cmd.OutOrStdout()
	threshold := rt.manifest.Validation.Threshold
	if valJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(validateResult{MonteCarloJobID: mcJobID, Status: status, Threshold: threshold})
	}

	fmt.Fprintf(out, "monte_carlo_job_id=%s\n", mcJobID)
	fmt.Fprintf(out, "validation_job_id=%s\n", jobID)
	fmt.Fprintf(out, "metric=%s\n", vc.Metric)
	renderTrend(out, status.Trend, threshold)
	if status.Sufficient > 0 {
		fmt.Fprintf(out, "sufficient_k=%d\n", status.Sufficient)
	} else {
		fmt.Fprintf(out, "sufficient_k=none (threshold %.2f not reached)\n", threshold)
	}
	return nil
}

func renderTrend(w io.Writer, trials []validation.Trial, threshold float64) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Influential inputs", "Agreement", "Iterations", ""})
	for _, t := range trials {
		mark := ""
		if t.Metric >= threshold {
			mark = "ok"
		}
		tw.AppendRow(table.Row{t.InfluentialCount, fmt.Sprintf("%.3f", t.Metric), t.IterationsUsed, mark})
	}
	tw.Render()
}
