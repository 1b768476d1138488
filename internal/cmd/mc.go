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
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/dashboard"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
)

var (
	mcManifest   string
	mcIterations int
	mcSeed       int64
	mcFormat     string
	mcJSON       bool
	mcQuiet      bool
	mcEvents     string
)

var mcCmd = &cobra.Command{
	Use:   "mc",
	Short: "Monte Carlo propagation",
}

var mcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run Monte Carlo propagation and print the sensitivity ranking",
	Long: `Run Monte Carlo propagation for the study manifest, report progress
while it runs and print the resulting GSA ranking.

Press Ctrl-C to cancel; the job stops at the next iteration boundary.

Examples:
  gsadash mc run -m study.yaml
  gsadash mc run -m study.yaml --iterations 5000 --seed 42 --format csv
  gsadash mc run -m study.yaml --events run.jsonl`,
	RunE: runMC,
}

func init() {
	rootCmd.AddCommand(mcCmd)
	mcCmd.AddCommand(mcRunCmd)

	mcRunCmd.Flags().StringVarP(&mcManifest, "manifest", "m", "", "Path to study manifest (required)")
	mcRunCmd.Flags().IntVar(&mcIterations, "iterations", 0, "Number of draws (default from manifest)")
	mcRunCmd.Flags().Int64Var(&mcSeed, "seed", 0, "Master seed (default from manifest)")
	mcRunCmd.Flags().StringVar(&mcFormat, "format", "table", "Ranking output: table or csv")
	mcRunCmd.Flags().BoolVar(&mcJSON, "json", false, "Output JSON")
	mcRunCmd.Flags().BoolVarP(&mcQuiet, "quiet", "q", false, "Do not report progress")
	mcRunCmd.Flags().StringVar(&mcEvents, "events", "", "Append JSONL job events to this file (- for stdout, replaces normal output)")
	_ = mcRunCmd.MarkFlagRequired("manifest")
}

type mcRunResult struct {
	JobID   string               `json:"job_id"`
	State   jobregistry.JobState `json:"state"`
	Ranking []ranking.JSONRow    `json:"ranking"`
}

func runMC(cmd *cobra.Command, _ []string) error {
	if mcFormat != "table" && mcFormat != "csv" {
		return exitError(exitInvalidArgument, "Invalid format", fmt.Errorf("unknown format %q", mcFormat))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	rt, err := newRuntime(ctx, cfg, mcManifest)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, cfg.Server.ShutdownTimeout)

	events, err := openEvents(mcEvents, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = events.Close() }()

	run, err := runMonteCarlo(ctx, rt, rt.jobConfig(mcIterations, mcSeed, cmd.Flags().Changed("seed")), progressWriter(mcQuiet, mcJSON), events)
	if err != nil {
		return err
	}
	if events.replacesOutput() {
		return nil
	}

	out := cmd.OutOrStdout()
	if mcJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(mcRunResult{JobID: run.JobID, State: run.State, Ranking: ranking.JSONRows(run.Ranking.Rows)})
	}

	fmt.Fprintf(out, "job_id=%s\n", run.JobID)
	fmt.Fprintf(out, "iterations=%d\n", run.State.Completed)
	return renderRanking(out, mcFormat, run.Ranking.Rows)
}

// mcRun is a finished Monte Carlo job and its ranking.
type mcRun struct {
	JobID   string
	State   jobregistry.JobState
	Ranking dashboard.RankingResult
}

// runMonteCarlo starts a Monte Carlo job, follows it to completion and
// reads the ranking it produced.
func runMonteCarlo(ctx context.Context, rt *studyRuntime, jc dashboard.JobConfig, progress io.Writer, stream *eventStream) (mcRun, error) {
	jobID, err := rt.svc.StartMC(ctx, jc)
	if err != nil {
		var cfgErr *dashboard.ConfigurationError
		if errors.As(err, &cfgErr) {
			return mcRun{}, exitError(exitInvalidArgument, "Invalid Monte Carlo configuration", err)
		}
		return mcRun{}, exitError(exitFailure, "Failed to start Monte Carlo run", err)
	}
	observability.CLILogger.Info("Monte Carlo run started",
		zap.String("job_id", jobID),
		zap.Int("iterations", jc.Iterations),
		zap.Int64("seed", jc.Seed))

	events := stream.job(jobID, jobregistry.RoleMonteCarlo)
	defer closeJobEvents(events)

	run := mcRun{JobID: jobID}
	run.State, err = followJob(ctx, progress, events, "monte_carlo",
		func(ctx context.Context) (jobregistry.JobState, error) {
			st, err := rt.svc.PollMC(ctx, jobID)
			return st.State, err
		},
		func(ctx context.Context) error { return rt.svc.CancelMC(ctx, jobID) })
	if err != nil && !errors.Is(err, errInterrupted) {
		return run, exitError(exitFailure, "Failed to poll Monte Carlo run", err)
	}
	if run.State.Status == jobregistry.StatusCompleted {
		res, rerr := rt.svc.Ranking(ctx)
		if rerr != nil {
			return run, exitError(exitFailure, "Ranking unavailable", rerr)
		}
		run.Ranking = res
		emitRanking(ctx, events, res)
	}
	emitOutcome(ctx, events, run.State)

	if errors.Is(err, errInterrupted) {
		return run, exitError(exitSignalInt, "Monte Carlo run cancelled", nil)
	}
	if err := jobFailure("Monte Carlo run", run.State); err != nil {
		return run, err
	}
	return run, nil
}

func renderRanking(w io.Writer, format string, rows []ranking.Row) error {
	if format == "csv" {
		if err := ranking.RenderCSV(w, rows); err != nil {
			return exitError(exitFileWriteError, "Failed to write ranking", err)
		}
		return nil
	}
	ranking.RenderTable(w, rows)
	return nil
}

func progressWriter(quiet, jsonOut bool) io.Writer {
	if quiet || jsonOut {
		return nil
	}
	return os.Stderr
}

func closeRuntime(rt *studyRuntime, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		observability.CLILogger.Warn("Failed to stop jobs cleanly", zap.Error(err))
	}
}
