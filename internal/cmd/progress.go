package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/output"
)

const pollEvery = 500 * time.Millisecond

// errInterrupted marks a job the user cancelled from the terminal.
var errInterrupted = errors.New("interrupted")

type pollFunc func(ctx context.Context) (jobregistry.JobState, error)

// followJob polls until the job is terminal, writing a progress line to w
// and a progress record to events on each tick. When ctx is cancelled the
// job is cancelled and followJob waits for it to stop before returning
// errInterrupted.
func followJob(ctx context.Context, w io.Writer, events output.Writer, label string, poll pollFunc, cancel func(ctx context.Context) error) (jobregistry.JobState, error) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	interrupted := false
	for {
		// Polls must outlive ctx so a cancelled job can be followed to its end.
		state, err := poll(context.WithoutCancel(ctx))
		if err != nil {
			return state, err
		}
		if w != nil {
			writeProgress(w, label, state)
		}
		emitProgress(ctx, events, state)
		if state.Terminal() {
			if w != nil {
				fmt.Fprintln(w)
			}
			if interrupted {
				return state, errInterrupted
			}
			return state, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				observability.CLILogger.Info("Cancelling job", zap.String("job_id", state.JobID))
				if err := cancel(context.WithoutCancel(ctx)); err != nil {
					return state, err
				}
			}
			<-ticker.C
		}
	}
}

func writeProgress(w io.Writer, label string, state jobregistry.JobState) {
	fmt.Fprintf(w, "\r%s %s %d/%d (%.1f%%)", label, state.Status, state.Completed, state.Total, state.Percent())
}

// jobFailure converts a terminal non-completed state into a command error.
func jobFailure(label string, state jobregistry.JobState) error {
	switch state.Status {
	case jobregistry.StatusCompleted:
		return nil
	case jobregistry.StatusCancelled:
		return exitError(exitSignalInt, label+" cancelled", nil)
	default:
		return exitError(exitFailure, label+" failed", errors.New(state.Error))
	}
}
