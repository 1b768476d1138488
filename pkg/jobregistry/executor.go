package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Work is a long computation split into atomic units.
type Work interface {
	// Total is the number of units. It must not change once the job starts.
	Total() int

	// Do performs unit i (0-based, called in order). A unit is never
	// interrupted once started; ctx is only cancelled when the executor is
	// force-closed.
	Do(ctx context.Context, unit int) error
}

// Finisher is implemented by work that must publish results after the last
// unit. Finish runs before the job is marked completed, so a reader that
// observes StatusCompleted also observes the published results.
type Finisher interface {
	Finish(ctx context.Context) error
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	JobStarted(role Role)
	UnitDone(role Role, elapsed time.Duration)
	JobFinished(role Role, status Status)
}

type nopObserver struct{}

func (nopObserver) JobStarted(Role)              {}
func (nopObserver) UnitDone(Role, time.Duration) {}
func (nopObserver) JobFinished(Role, Status)     {}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithProgressEvery writes progress (and checks cross-process cancel
// requests) every n units. The final unit is always written.
func WithProgressEvery(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.progressEvery = n
		}
	}
}

// WithRateLimit bounds the number of units started per second. Zero means
// unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(e *Executor) {
		if perSecond > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithPollInterval sets how often Wait re-reads the store for jobs owned by
// another process.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// Executor runs Work on background goroutines, one active job per role,
// and records progress in a Store.
type Executor struct {
	store         Store
	logger        *zap.Logger
	observer      Observer
	progressEvery int
	pollInterval  time.Duration
	limiter       *rate.Limiter
	newID         func() string
	host          string
	pid           int

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[Role]*run
	runs   map[string]*run
	closed bool
}

type run struct {
	id    string
	role  Role
	token *Token
	done  chan struct{}
}

// NewExecutor returns an executor recording into store.
func NewExecutor(store Store, opts ...Option) *Executor {
	host, _ := os.Hostname()
	ctx, stop := context.WithCancel(context.Background())
	e := &Executor{
		store:         store,
		logger:        zap.NewNop(),
		observer:      nopObserver{},
		progressEvery: 1,
		pollInterval:  250 * time.Millisecond,
		newID:         uuid.NewString,
		host:          host,
		pid:           os.Getpid(),
		baseCtx:       ctx,
		stop:          stop,
		active:        make(map[Role]*run),
		runs:          make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the backing job store.
func (e *Executor) Store() Store {
	return e.store
}

// Start registers a new job for role and runs work in the background. It
// returns as soon as the job is registered.
//
// If a job of the same role is still active, Start returns an
// *AlreadyRunningError and leaves that job untouched.
func (e *Executor) Start(ctx context.Context, role Role, work Work) (string, error) {
	if work == nil {
		return "", fmt.Errorf("work is nil")
	}
	total := work.Total()
	if total < 0 {
		return "", fmt.Errorf("work total must be >= 0, got %d", total)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrExecutorClosed
	}
	if r, ok := e.active[role]; ok {
		return "", &AlreadyRunningError{Role: role, JobID: r.id}
	}

	jobID := e.newID()
	if err := e.store.Reset(ctx, jobID); err != nil {
		return "", fmt.Errorf("reset job record: %w", err)
	}
	if err := e.store.Register(ctx, JobState{
		JobID:  jobID,
		Role:   role,
		Status: StatusPending,
		Total:  total,
		Host:   e.host,
		PID:    e.pid,
	}); err != nil {
		return "", fmt.Errorf("register job: %w", err)
	}

	r := &run{id: jobID, role: role, token: NewToken(), done: make(chan struct{})}
	e.active[role] = r
	e.runs[jobID] = r

	e.wg.Add(1)
	go e.execute(r, work, total)

	return jobID, nil
}

// Cancel requests cooperative cancellation. The job reaches
// StatusCancelled at the next unit boundary. Cancelling a finished job is a
// no-op.
func (e *Executor) Cancel(ctx context.Context, jobID string) error {
	e.mu.Lock()
	r := e.runs[jobID]
	e.mu.Unlock()

	if r != nil {
		r.token.Cancel()
		e.logger.Info("Job cancellation requested", zap.String("job_id", jobID), zap.String("role", string(r.role)))
		return nil
	}

	state, err := e.store.Read(ctx, jobID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	if sig, ok := e.store.(CancelSignaler); ok {
		return sig.RequestCancel(ctx, jobID)
	}
	return fmt.Errorf("job %s is not owned by this process", jobID)
}

// Poll returns the latest snapshot without blocking on the job.
func (e *Executor) Poll(ctx context.Context, jobID string) (JobState, error) {
	return e.store.Read(ctx, jobID)
}

// Active returns the id of the active job for role, if any.
func (e *Executor) Active(role Role) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.active[role]
	if !ok {
		return "", false
	}
	return r.id, true
}

// Wait blocks until the job is terminal or ctx is done.
func (e *Executor) Wait(ctx context.Context, jobID string) (JobState, error) {
	e.mu.Lock()
	r := e.runs[jobID]
	e.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return JobState{}, ctx.Err()
		}
		return e.store.Read(ctx, jobID)
	}

	t := time.NewTicker(e.pollInterval)
	defer t.Stop()
	for {
		state, err := e.store.Read(ctx, jobID)
		if err != nil {
			return JobState{}, err
		}
		if state.Terminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return JobState{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Close cancels every active job and waits for them to stop. If ctx
// expires first, in-flight units are interrupted through their context.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		r.token.Cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		<-done
		return ctx.Err()
	}
}

// RecoverOrphans marks jobs left non-terminal by a dead process on this
// host as failed. It returns the number of records changed.
func (e *Executor) RecoverOrphans(ctx context.Context) (int, error) {
	states, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, s := range states {
		if s.Terminal() || s.Host != e.host || s.PID <= 0 || s.PID == e.pid {
			continue
		}
		if isProcessAlive(s.PID) {
			continue
		}
		if err := e.store.MarkDone(ctx, s.JobID, Failed("orphaned: owning process exited")); err != nil {
			return recovered, fmt.Errorf("recover %s: %w", s.JobID, err)
		}
		e.logger.Warn("Recovered orphaned job", zap.String("job_id", s.JobID), zap.Int("pid", s.PID))
		recovered++
	}
	return recovered, nil
}

func (e *Executor) execute(r *run, work Work, total int) {
	defer e.wg.Done()
	defer close(r.done)

	ctx := e.baseCtx
	log := e.logger.With(zap.String("job_id", r.id), zap.String("role", string(r.role)))
	log.Info("Job started", zap.Int("total", total))
	e.observer.JobStarted(r.role)

	outcome := e.loop(ctx, r, work, total, log)

	if outcome.Status == StatusCompleted {
		if f, ok := work.(Finisher); ok {
			if err := f.Finish(ctx); err != nil {
				outcome = Failed(err.Error())
			}
		}
	}

	e.mu.Lock()
	if err := e.store.MarkDone(ctx, r.id, outcome); err != nil {
		log.Error("Failed to record job outcome", zap.Error(err))
	}
	if e.active[r.role] == r {
		delete(e.active, r.role)
	}
	delete(e.runs, r.id)
	e.mu.Unlock()

	e.observer.JobFinished(r.role, outcome.Status)
	fields := []zap.Field{zap.String("status", string(outcome.Status))}
	if outcome.Reason != "" {
		fields = append(fields, zap.String("reason", outcome.Reason))
	}
	log.Info("Job finished", fields...)
}

func (e *Executor) loop(ctx context.Context, r *run, work Work, total int, log *zap.Logger) Outcome {
	if err := e.store.Update(ctx, r.id, 0, total); err != nil {
		return Failed(fmt.Sprintf("record progress: %v", err))
	}

	completed := 0
	flushed := 0
	flush := func() error {
		if completed == flushed {
			return nil
		}
		if err := e.store.Update(ctx, r.id, completed, total); err != nil {
			return err
		}
		flushed = completed
		return nil
	}

	for completed < total {
		if e.cancelRequested(ctx, r, completed) {
			_ = flush()
			return Cancelled()
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(r.token.Context()); err != nil {
				_ = flush()
				return Cancelled()
			}
		}

		start := time.Now()
		if err := work.Do(ctx, completed); err != nil {
			_ = flush()
			if r.token.Cancelled() && errors.Is(err, context.Canceled) {
				return Cancelled()
			}
			log.Warn("Unit failed", zap.Int("unit", completed), zap.Error(err))
			return Failed(err.Error())
		}
		completed++
		e.observer.UnitDone(r.role, time.Since(start))

		if completed == total || completed%e.progressEvery == 0 {
			if err := flush(); err != nil {
				return Failed(fmt.Sprintf("record progress: %v", err))
			}
		}
	}
	return Completed()
}

func (e *Executor) cancelRequested(ctx context.Context, r *run, completed int) bool {
	if r.token.Cancelled() {
		return true
	}
	sig, ok := e.store.(CancelSignaler)
	if !ok || completed%e.progressEvery != 0 {
		return false
	}
	requested, err := sig.CancelRequested(ctx, r.id)
	if err != nil {
		e.logger.Debug("Cancel request check failed", zap.String("job_id", r.id), zap.Error(err))
		return false
	}
	if requested {
		r.token.Cancel()
	}
	return requested
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
