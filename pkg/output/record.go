// Package output provides a JSONL event stream for gsadash jobs.
//
// Each line is a typed record envelope carrying a progress update, a
// ranking, a validation trial, an error or a final summary. Lines are
// self-contained and can be parsed independently, so a stream can be
// tailed while the job runs.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/ranking"
)

// Record type constants follow the pattern gsadash.<type>.v<version>.
const (
	TypeProgress = "gsadash.progress.v1"
	TypeRanking  = "gsadash.ranking.v1"
	TypeTrial    = "gsadash.trial.v1"
	TypeError    = "gsadash.error.v1"
	TypeSummary  = "gsadash.summary.v1"
)

// Record is the envelope for all JSONL output. Type determines how Data
// is interpreted.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// JobID correlates the record with a registry entry.
	JobID string `json:"job_id"`

	// Role is the job role, "monte_carlo" or "validation".
	Role string `json:"role"`

	Data json.RawMessage `json:"data"`
}

// ProgressRecord is a snapshot of job progress.
type ProgressRecord struct {
	Status    string  `json:"status"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// RankingRecord carries the GSA ranking produced by a Monte Carlo job.
type RankingRecord struct {
	Rows    []ranking.JSONRow `json:"rows"`
	Partial bool              `json:"partial,omitempty"`
}

// TrialRecord is one point of a validation trend.
type TrialRecord struct {
	InfluentialCount int     `json:"influential_count"`
	Metric           float64 `json:"metric"`
	IterationsUsed   int     `json:"iterations_used"`

	// Sufficient is set on the first trial reaching the threshold.
	Sufficient bool `json:"sufficient,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeInvalidConfig = "INVALID_CONFIG"
	ErrCodeEvaluation    = "EVALUATION_FAILED"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeInternal      = "INTERNAL"
)

// ErrorRecord reports a job failure.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Iteration is the draw or step at which the failure occurred, if known.
	Iteration int `json:"iteration,omitempty"`
}

// SummaryRecord is the final record of a stream.
type SummaryRecord struct {
	Status     string `json:"status"`
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
