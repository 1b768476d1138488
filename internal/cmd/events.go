package cmd

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/dashboard"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/output"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
)

// eventStream is the destination of --events. A nil stream discards
// everything.
type eventStream struct {
	w      io.Writer
	closer io.Closer

	// stdout is set when records replace the command's normal output.
	stdout bool
}

// openEvents opens path for JSONL job events. "-" selects stdout. An
// empty path disables the stream.
func openEvents(path string, stdout io.Writer) (*eventStream, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return &eventStream{w: stdout, stdout: true}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, exitError(exitFileWriteError, "Failed to open events file", err)
	}
	return &eventStream{w: f, closer: f}, nil
}

func (s *eventStream) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// replacesOutput reports whether the normal command output is suppressed.
func (s *eventStream) replacesOutput() bool {
	return s != nil && s.stdout
}

// job returns a writer for one job's records, or nil.
func (s *eventStream) job(jobID string, role jobregistry.Role) output.Writer {
	if s == nil {
		return nil
	}
	return output.NewJSONLWriter(s.w, jobID, string(role))
}

// emit writes a record and logs failures. A broken event stream never
// fails the job.
func emit(ctx context.Context, events output.Writer, write func(ctx context.Context, w output.Writer) error) {
	if events == nil {
		return
	}
	if err := write(context.WithoutCancel(ctx), events); err != nil {
		observability.CLILogger.Warn("Failed to write job event", zap.Error(err))
	}
}

func emitProgress(ctx context.Context, events output.Writer, state jobregistry.JobState) {
	emit(ctx, events, func(ctx context.Context, w output.Writer) error {
		return w.WriteProgress(ctx, output.Progress(state))
	})
}

// emitOutcome writes the error record of an unsuccessful job and the
// closing summary.
func emitOutcome(ctx context.Context, events output.Writer, state jobregistry.JobState) {
	switch state.Status {
	case jobregistry.StatusFailed:
		emit(ctx, events, func(ctx context.Context, w output.Writer) error {
			return w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeEvaluation, Message: state.Error, Iteration: state.Completed})
		})
	case jobregistry.StatusCancelled:
		emit(ctx, events, func(ctx context.Context, w output.Writer) error {
			return w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeCancelled, Message: "job cancelled", Iteration: state.Completed})
		})
	}
	emit(ctx, events, func(ctx context.Context, w output.Writer) error {
		return w.WriteSummary(ctx, output.Summary(state))
	})
}

func emitRanking(ctx context.Context, events output.Writer, res dashboard.RankingResult) {
	emit(ctx, events, func(ctx context.Context, w output.Writer) error {
		return w.WriteRanking(ctx, &output.RankingRecord{Rows: ranking.JSONRows(res.Rows), Partial: res.Partial})
	})
}

func emitTrend(ctx context.Context, events output.Writer, status dashboard.ValidationStatus) {
	for _, t := range status.Trend {
		trial := output.TrialRecord{
			InfluentialCount: t.InfluentialCount,
			Metric:           t.Metric,
			IterationsUsed:   t.IterationsUsed,
			Sufficient:       status.Sufficient > 0 && t.InfluentialCount == status.Sufficient,
		}
		emit(ctx, events, func(ctx context.Context, w output.Writer) error {
			return w.WriteTrial(ctx, &trial)
		})
	}
}

func closeJobEvents(events output.Writer) {
	if events != nil {
		_ = events.Close()
	}
}
