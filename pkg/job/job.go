package job

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mimir-aip/predict-client/pkg/models"
)

// Task is the background unit of work behind a Job. It publishes progress
// through comm and returns the final value or the error that ended it.
type Task func(ctx context.Context, comm *Communicator) (any, error)

// Option configures a Job before its task starts
type Option func(*Job)

// WithID sets the job ID instead of generating one
func WithID(id string) Option {
	return func(j *Job) { j.id = id }
}

// WithLimiter makes the task wait for a slot on sem before it starts. The
// wait is abandoned when the job is cancelled, so a job cancelled while
// waiting never runs its task.
func WithLimiter(sem *semaphore.Weighted) Option {
	return func(j *Job) { j.limiter = sem }
}

// WithOnFinish registers fn to run once after the job completes
func WithOnFinish(fn func(*Job)) Option {
	return func(j *Job) { j.onFinish = append(j.onFinish, fn) }
}

// WithLogger sets the logger used for lifecycle messages
func WithLogger(logger *zap.Logger) Option {
	return func(j *Job) { j.logger = logger }
}

// Job is the handle to one submitted call. It is safe for concurrent use.
type Job struct {
	id          string
	comm        *Communicator
	limiter     *semaphore.Weighted
	onFinish    []func(*Job)
	logger      *zap.Logger
	submittedAt time.Time

	startCtx  context.Context
	stopStart context.CancelFunc

	done        chan struct{}
	result      any
	err         error
	completedAt time.Time

	iterMu sync.Mutex
	cursor int
}

// Start launches task in the background and returns its handle immediately.
// ctx bounds the task's lifetime; cancelling it abandons the job.
func Start(ctx context.Context, task Task, opts ...Option) *Job {
	j := &Job{
		id:          uuid.NewString(),
		comm:        NewCommunicator(),
		logger:      zap.NewNop(),
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With(zap.String("job_id", j.id))
	j.startCtx, j.stopStart = context.WithCancel(ctx)

	go j.run(ctx, task)
	return j
}

func (j *Job) run(ctx context.Context, task Task) {
	if j.limiter != nil {
		if err := j.limiter.Acquire(j.startCtx, 1); err != nil {
			j.logger.Debug("Job cancelled before start")
			j.complete(ctx, nil, ErrCancelled)
			return
		}
		defer j.limiter.Release(1)
	}

	if j.comm.ShouldCancel() || j.startCtx.Err() != nil {
		j.logger.Debug("Job cancelled before start")
		j.complete(ctx, nil, ErrCancelled)
		return
	}

	result, err := runTask(ctx, task, j.comm)
	j.complete(ctx, result, err)
}

// runTask shields the process from a panicking task
func runTask(ctx context.Context, task Task, comm *Communicator) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return task(ctx, comm)
}

// complete records the outcome and makes sure exactly one terminal status
// is published, then releases waiters and runs finish hooks
func (j *Job) complete(ctx context.Context, result any, err error) {
	if err != nil && !errors.Is(err, ErrCancelled) && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	switch {
	case errors.Is(err, ErrCancelled):
		j.comm.Publish(models.StatusUpdate{Code: models.StatusCancelled})
	case err != nil:
		j.comm.Publish(models.StatusUpdate{
			Code:    models.StatusFinished,
			Success: models.Ptr(false),
			Message: err.Error(),
		})
	default:
		j.comm.Publish(models.StatusUpdate{Code: models.StatusFinished, Success: models.Ptr(true)})
	}

	// The published terminal status wins if the task returned something
	// contradicting it, e.g. nil after a cancel was already published.
	if latest, ok := j.comm.LatestStatus(); ok {
		switch {
		case latest.Code == models.StatusCancelled && !errors.Is(err, ErrCancelled):
			result, err = nil, ErrCancelled
		case latest.Failed() && err == nil:
			result, err = nil, &PredictionError{Message: latest.Message}
		}
	}

	j.result = result
	j.err = err
	j.completedAt = time.Now()
	close(j.done)
	j.stopStart()

	if err != nil {
		j.logger.Debug("Job ended", zap.Error(err))
	} else {
		j.logger.Debug("Job finished")
	}

	for _, fn := range j.onFinish {
		fn(j)
	}
}

// ID returns the job's unique identifier
func (j *Job) ID() string {
	return j.id
}

// SubmittedAt returns when the job was created
func (j *Job) SubmittedAt() time.Time {
	return j.submittedAt
}

// CompletedAt returns when the task returned, or the zero time if it has not
func (j *Job) CompletedAt() time.Time {
	select {
	case <-j.done:
		return j.completedAt
	default:
		return time.Time{}
	}
}

// Status returns the latest published status without blocking. The second
// return value is false while the job is still pending.
func (j *Job) Status() (models.StatusUpdate, bool) {
	return j.comm.LatestStatus()
}

// State returns the lifecycle state derived from the latest status
func (j *Job) State() models.JobState {
	status, ok := j.comm.LatestStatus()
	if !ok {
		return models.StateFromStatus(nil)
	}
	return models.StateFromStatus(&status)
}

// Done reports whether the job has reached a terminal status or its task
// has returned
func (j *Job) Done() bool {
	select {
	case <-j.done:
		return true
	default:
	}
	status, ok := j.comm.LatestStatus()
	return ok && status.Terminal()
}

// Outputs returns a snapshot of the outputs published so far
func (j *Job) Outputs() []any {
	return j.comm.Outputs()
}

// Err returns the error the task ended with, or nil while it is running
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the task returns or ctx ends
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result blocks until the job completes and returns its final value. If ctx
// reaches its deadline first the error matches ErrTimeout and the job keeps
// running; a timeout is never a cancel.
func (j *Job) Result(ctx context.Context) (any, error) {
	select {
	case <-j.done:
		return j.result, j.err
	default:
	}

	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: job %s", ErrTimeout, j.id)
		}
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation. A job that has not started yet never
// contacts the server; a running job stops at the worker's next checkpoint.
// Cancelling a job that already ended does nothing and returns false.
func (j *Job) Cancel() bool {
	if j.Done() {
		return false
	}
	requested := j.comm.RequestCancel()
	j.stopStart()
	if requested {
		j.logger.Debug("Cancellation requested")
	}
	return requested
}

// Next blocks until the next output is available and returns it. It returns
// false once the job has ended and every output was consumed, or when ctx
// ends. Outputs are consumed once: Next and All share a single cursor.
// A job that failed stops the sequence without an error; Result reports it.
func (j *Job) Next(ctx context.Context) (any, bool) {
	j.iterMu.Lock()
	defer j.iterMu.Unlock()

	for {
		out, ok, terminal, changed := j.comm.outputAt(j.cursor)
		if ok {
			j.cursor++
			return out, true
		}
		if terminal {
			return nil, false
		}

		select {
		case <-changed:
		case <-j.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// All returns the remaining outputs as a sequence
func (j *Job) All() iter.Seq[any] {
	return func(yield func(any) bool) {
		for {
			out, ok := j.Next(context.Background())
			if !ok || !yield(out) {
				return
			}
		}
	}
}

// Record summarizes the job for journaling. apiName and fnIndex identify
// the endpoint the job was submitted to.
func (j *Job) Record(apiName string, fnIndex int, sessionHash string) *models.JobRecord {
	record := &models.JobRecord{
		ID:          j.id,
		APIName:     apiName,
		FnIndex:     fnIndex,
		SessionHash: sessionHash,
		State:       j.State(),
		OutputCount: len(j.comm.Outputs()),
		SubmittedAt: j.submittedAt,
		CompletedAt: j.CompletedAt(),
	}
	if status, ok := j.comm.LatestStatus(); ok {
		record.Code = status.Code
		record.Success = status.Success
		record.Final = status
	}
	if err := j.Err(); err != nil {
		record.Error = err.Error()
	}
	return record
}
