package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/collector"
	"github.com/leozw/client-counter/internal/config"
)

// Runner executes one collection pass.
type Runner interface {
	RunOnce(ctx context.Context, orgID string) *collector.RunResult
}

// Scheduler triggers collection passes on a cron schedule. A single worker
// executes them one at a time, and an organization that is already queued or
// running is skipped, so passes for the same organization never overlap.
type Scheduler struct {
	runner     Runner
	orgIDs     []string
	spec       string
	runOnStart bool
	logger     *zap.Logger
	worker     *Worker

	cron      *cron.Cron
	workQueue chan *RunJob
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]bool
}

type RunJob struct {
	OrganizationID string
	Trigger        string
	EnqueuedAt     time.Time
}

func NewScheduler(runner Runner, orgIDs []string, cfg config.CollectorConfig, runOnStart bool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		runner:     runner,
		orgIDs:     orgIDs,
		spec:       cfg.Schedule,
		runOnStart: runOnStart,
		logger:     logger.With(zap.String("component", "scheduler")),
		workQueue:  make(chan *RunJob, len(orgIDs)+1),
		pending:    make(map[string]bool),
	}
	s.worker = NewWorker(s.workQueue, runner, cfg.RunTimeout, s.done, s.logger)
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger.Sugar()}),
	), cron.WithLogger(cronLogger{s.logger.Sugar()}))
	return s
}

// Start blocks until ctx is cancelled, then waits for the running pass.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.scheduleRuns("schedule") }); err != nil {
		return fmt.Errorf("invalid collection schedule %q: %w", s.spec, err)
	}

	s.logger.Info("Starting scheduler",
		zap.String("schedule", s.spec),
		zap.Strings("organizations", s.orgIDs))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker.Start(ctx)
	}()

	if s.runOnStart {
		s.scheduleRuns("startup")
	}
	s.cron.Start()

	<-ctx.Done()
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) scheduleRuns(trigger string) {
	for _, orgID := range s.orgIDs {
		s.enqueue(orgID, trigger)
	}
}

// enqueue reports whether a job was queued.
func (s *Scheduler) enqueue(orgID, trigger string) bool {
	s.mu.Lock()
	if s.pending[orgID] {
		s.mu.Unlock()
		s.logger.Warn("Previous collection still running, skipping",
			zap.String("organization_id", orgID),
			zap.String("trigger", trigger))
		return false
	}
	s.pending[orgID] = true
	s.mu.Unlock()

	job := &RunJob{OrganizationID: orgID, Trigger: trigger, EnqueuedAt: time.Now()}
	select {
	case s.workQueue <- job:
		s.logger.Debug("Scheduled collection",
			zap.String("organization_id", orgID),
			zap.String("trigger", trigger))
		return true
	default:
		s.done(orgID)
		s.logger.Warn("Work queue full, dropping collection", zap.String("organization_id", orgID))
		return false
	}
}

func (s *Scheduler) done(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, orgID)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
