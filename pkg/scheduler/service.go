package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/job"
	"github.com/mimir-aip/predict-client/pkg/models"
)

// ErrRunInProgress is returned by RunNow while the schedule's previous run
// has not finished
var ErrRunInProgress = errors.New("previous run still in progress")

// ErrUnknownSchedule is returned for a schedule name that was never added
var ErrUnknownSchedule = errors.New("unknown schedule")

// Submitter starts prediction jobs; *client.Client satisfies it
type Submitter interface {
	Submit(ctx context.Context, req models.PredictionRequest) (*job.Job, error)
}

// RunRecorder persists the outcome of each scheduled run
type RunRecorder interface {
	SaveRun(ctx context.Context, run *models.ScheduledRun) error
}

// Option configures a Service
type Option func(*Service)

// WithRunRecorder journals every run
func WithRunRecorder(r RunRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

type entry struct {
	prediction models.ScheduledPrediction
	schedule   cron.Schedule
	id         cron.EntryID
	scheduled  bool
	running    atomic.Bool
}

// Service runs predictions on cron schedules
type Service struct {
	submitter Submitter
	recorder  RunRecorder
	logger    *zap.Logger
	cron      *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry // keyed by schedule name
}

// NewService creates a new scheduler service
func NewService(submitter Submitter, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	s := &Service{
		submitter: submitter,
		logger:    logger,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger{logger.Sugar()}))),
		entries:   make(map[string]*entry),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the scheduler
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("Prediction scheduler started", zap.Int("schedules", len(s.List())))
}

// Stop stops the scheduler, abandons jobs of runs still in progress and
// waits for those runs to return
func (s *Service) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Prediction scheduler stopped")
}

// Add registers p. Paused schedules are kept but never fire.
func (s *Service) Add(p models.ScheduledPrediction) error {
	if p.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if p.Request.APIName == "" && p.Request.FnIndex == nil {
		return fmt.Errorf("schedule %s: api_name or fn_index is required", p.Name)
	}
	schedule, err := cron.ParseStandard(p.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[p.Name]; exists {
		return fmt.Errorf("schedule %s already exists", p.Name)
	}

	e := &entry{prediction: p, schedule: schedule}
	if !p.Paused {
		next := schedule.Next(time.Now())
		e.prediction.NextRun = &next
		e.id = s.cron.Schedule(schedule, cron.FuncJob(func() {
			if _, err := s.execute(s.ctx, e); err != nil && !errors.Is(err, ErrRunInProgress) {
				s.logger.Warn("Scheduled run failed", zap.String("schedule", e.prediction.Name), zap.Error(err))
			}
		}))
		e.scheduled = true
	}
	s.entries[p.Name] = e

	s.logger.Info("Scheduled prediction",
		zap.String("schedule", p.Name),
		zap.String("cron", p.Schedule),
		zap.String("api_name", p.Request.APIName),
		zap.Bool("paused", p.Paused))
	return nil
}

// Remove unregisters a schedule. It returns false if the name is unknown.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if e.scheduled {
		s.cron.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

// List returns every schedule sorted by name
func (s *Service) List() []models.ScheduledPrediction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ScheduledPrediction, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.prediction)
	}
	slices.SortFunc(out, func(a, b models.ScheduledPrediction) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// RunNow runs a schedule immediately and waits for its outcome
func (s *Service) RunNow(ctx context.Context, name string) (*models.ScheduledRun, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.execute(ctx, e)
}

// execute submits one run of e and waits for it. Runs of the same schedule
// never overlap: a tick that arrives while one is active is skipped.
func (s *Service) execute(ctx context.Context, e *entry) (*models.ScheduledRun, error) {
	// markRun updates the entry's prediction under mu.
	s.mu.Lock()
	p := e.prediction
	s.mu.Unlock()
	logger := s.logger.With(zap.String("schedule", p.Name))

	if !e.running.CompareAndSwap(false, true) {
		logger.Warn("Skipping run, previous run still in progress")
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	run := &models.ScheduledRun{Schedule: p.Name, StartedAt: time.Now()}
	s.markRun(p.Name, run.StartedAt)
	logger.Info("Executing scheduled prediction")

	j, err := s.submitter.Submit(ctx, p.Request)
	if err != nil {
		run.State = models.JobStateFailed
		run.Error = err.Error()
		run.CompletedAt = time.Now()
		s.save(run)
		return run, err
	}
	run.JobID = j.ID()

	waitCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	_, err = j.Result(waitCtx)
	if errors.Is(err, job.ErrTimeout) {
		// An overrunning job would block every later tick.
		logger.Warn("Scheduled prediction timed out, cancelling", zap.String("job_id", j.ID()))
		j.Cancel()
		settle, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		j.Wait(settle)
		cancel()
	}

	run.CompletedAt = time.Now()
	run.State = j.State()
	if err != nil {
		run.Error = err.Error()
	}
	s.save(run)

	logger.Info("Scheduled prediction completed",
		zap.String("job_id", run.JobID),
		zap.String("state", string(run.State)),
		zap.Duration("duration", run.CompletedAt.Sub(run.StartedAt)))
	return run, err
}

func (s *Service) markRun(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return
	}
	e.prediction.LastRun = &at
	if e.scheduled {
		next := e.schedule.Next(at)
		e.prediction.NextRun = &next
	}
}

func (s *Service) save(run *models.ScheduledRun) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.SaveRun(ctx, run); err != nil {
		s.logger.Warn("Failed to record scheduled run", zap.String("schedule", run.Schedule), zap.Error(err))
	}
}

// cronLogger routes cron's own messages through zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
