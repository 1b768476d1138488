package jobregistry

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// prepareRegister normalizes an initial record.
func prepareRegister(state JobState, now time.Time) (JobState, error) {
	state.JobID = strings.TrimSpace(state.JobID)
	if state.JobID == "" {
		return JobState{}, fmt.Errorf("job_id is required")
	}
	if state.Total < 0 {
		return JobState{}, fmt.Errorf("total must be >= 0")
	}
	if state.Status == "" {
		state.Status = StatusPending
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = timePtr(now)
	return state, nil
}

// applyUpdate advances progress on state in place.
func applyUpdate(state *JobState, completed, total int, now time.Time) error {
	if state.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, state.JobID, state.Status)
	}
	if completed < state.Completed {
		return fmt.Errorf("%w: %s at %d, got %d", ErrProgressRegression, state.JobID, state.Completed, completed)
	}
	if total < 0 || completed > total {
		return fmt.Errorf("invalid progress %d/%d for %s", completed, total, state.JobID)
	}
	state.Completed = completed
	state.Total = total
	state.Status = StatusRunning
	if state.StartedAt == nil {
		state.StartedAt = timePtr(now)
	}
	state.UpdatedAt = timePtr(now)
	return nil
}

// applyDone moves state to a terminal outcome. It reports false when the job
// was already terminal and nothing changed.
func applyDone(state *JobState, outcome Outcome, now time.Time) (bool, error) {
	if !outcome.Status.Terminal() {
		return false, fmt.Errorf("outcome %q is not terminal", outcome.Status)
	}
	if state.Status.Terminal() {
		return false, nil
	}
	state.Status = outcome.Status
	state.Error = outcome.Reason
	state.EndedAt = timePtr(now)
	state.UpdatedAt = timePtr(now)
	return true, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// sortNewestFirst orders records by start (or creation) time, newest first.
func sortNewestFirst(states []JobState) {
	sort.SliceStable(states, func(i, j int) bool {
		ti, tj := sortTime(states[i]), sortTime(states[j])
		if ti.Equal(tj) {
			return states[i].JobID < states[j].JobID
		}
		return ti.After(tj)
	})
}

func sortTime(s JobState) time.Time {
	if s.StartedAt != nil {
		return s.StartedAt.UTC()
	}
	return s.CreatedAt.UTC()
}
