package jobregistry

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted by the file and redis stores and are part
// of the stable on-disk contract.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Role is the logical slot a job occupies. At most one job per role may be
// active at a time.
type Role string

const (
	RoleMonteCarlo Role = "monte_carlo"
	RoleValidation Role = "validation"
)

// JobState is the persisted progress record of a job.
//
// A JobState is written only by the goroutine running the job. Readers get
// value copies.
type JobState struct {
	JobID     string    `json:"job_id"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	Completed int       `json:"completed_iterations"`
	Total     int       `json:"total_iterations"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Error     string     `json:"error,omitempty"`

	// Host and PID identify the owning process for orphan recovery.
	Host string `json:"host,omitempty"`
	PID  int    `json:"pid,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (s JobState) Terminal() bool {
	return s.Status.Terminal()
}

// Percent returns progress in [0,100].
func (s JobState) Percent() float64 {
	if s.Total <= 0 {
		if s.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	p := float64(s.Completed) / float64(s.Total) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Outcome is the terminal result passed to Store.MarkDone.
type Outcome struct {
	Status Status
	Reason string
}

// Completed is the outcome of a job that finished all units.
func Completed() Outcome { return Outcome{Status: StatusCompleted} }

// Cancelled is the outcome of a job stopped by a cancellation request.
func Cancelled() Outcome { return Outcome{Status: StatusCancelled} }

// Failed is the outcome of a job whose unit of work returned an error.
func Failed(reason string) Outcome { return Outcome{Status: StatusFailed, Reason: reason} }

// Store is the progress store: a durable, poll-able record of every job's
// progress.
//
// Implementations must make each write visible atomically: a reader sees the
// previous snapshot or the next one, never a partial update.
type Store interface {
	// Register writes the initial pending record of a job.
	Register(ctx context.Context, state JobState) error

	// Update records progress. Completed must not decrease; updating a
	// terminal job fails with ErrJobFinished.
	Update(ctx context.Context, jobID string, completed, total int) error

	// Read returns the most recent committed snapshot.
	Read(ctx context.Context, jobID string) (JobState, error)

	// MarkDone moves a job to a terminal state. The first terminal state
	// wins; later calls are no-ops.
	MarkDone(ctx context.Context, jobID string, outcome Outcome) error

	// Reset clears a job record.
	Reset(ctx context.Context, jobID string) error

	// List returns all records, newest first.
	List(ctx context.Context) ([]JobState, error)
}

// CancelSignaler is implemented by stores that can carry a cancellation
// request from another process.
type CancelSignaler interface {
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}
