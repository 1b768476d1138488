package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
)

// Writer outputs JSONL records for one job.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	// WriteProgress emits a progress record.
	WriteProgress(ctx context.Context, prog *ProgressRecord) error

	// WriteRanking emits a ranking record.
	WriteRanking(ctx context.Context, rank *RankingRecord) error

	// WriteTrial emits a validation trial record.
	WriteTrial(ctx context.Context, trial *TrialRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, err *ErrorRecord) error

	// WriteSummary emits a summary record.
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w     io.Writer
	jobID string
	role  string
	mu    sync.Mutex

	closed bool
}

// NewJSONLWriter creates a writer whose records carry jobID and role.
func NewJSONLWriter(w io.Writer, jobID, role string) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		jobID: jobID,
		role:  role,
	}
}

// WriteProgress emits a progress record.
func (jw *JSONLWriter) WriteProgress(ctx context.Context, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, prog)
}

// WriteRanking emits a ranking record.
func (jw *JSONLWriter) WriteRanking(ctx context.Context, rank *RankingRecord) error {
	return jw.writeRecord(ctx, TypeRanking, rank)
}

// WriteTrial emits a validation trial record.
func (jw *JSONLWriter) WriteTrial(ctx context.Context, trial *TrialRecord) error {
	return jw.writeRecord(ctx, TypeTrial, trial)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the payload outside the lock.
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    time.Now().UTC(),
		JobID: jw.jobID,
		Role:  jw.role,
		Data:  dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, looping over short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Progress builds a progress record from a job snapshot.
func Progress(state jobregistry.JobState) *ProgressRecord {
	return &ProgressRecord{
		Status:    string(state.Status),
		Completed: state.Completed,
		Total:     state.Total,
		Percent:   state.Percent(),
	}
}

// Summary builds the final record for a terminal job snapshot.
func Summary(state jobregistry.JobState) *SummaryRecord {
	sum := &SummaryRecord{
		Status:    string(state.Status),
		Completed: state.Completed,
		Total:     state.Total,
		Error:     state.Error,
	}
	start := state.CreatedAt
	if state.StartedAt != nil {
		start = *state.StartedAt
	}
	if state.EndedAt != nil && !start.IsZero() {
		sum.DurationMs = state.EndedAt.Sub(start).Milliseconds()
	}
	return sum
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
