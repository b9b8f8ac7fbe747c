package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Worker executes queued collection passes sequentially.
type Worker struct {
	workQueue <-chan *RunJob
	runner    Runner
	timeout   time.Duration
	onDone    func(orgID string)
	logger    *zap.Logger
}

func NewWorker(workQueue <-chan *RunJob, runner Runner, timeout time.Duration, onDone func(string), logger *zap.Logger) *Worker {
	return &Worker{
		workQueue: workQueue,
		runner:    runner,
		timeout:   timeout,
		onDone:    onDone,
		logger:    logger.With(zap.String("role", "worker")),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case job, ok := <-w.workQueue:
			if !ok {
				w.logger.Info("Work queue closed")
				return
			}
			w.processJob(ctx, job)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *RunJob) {
	defer w.onDone(job.OrganizationID)

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	w.logger.Debug("Processing collection",
		zap.String("organization_id", job.OrganizationID),
		zap.String("trigger", job.Trigger),
		zap.Duration("queued_for", time.Since(job.EnqueuedAt)),
	)

	result := w.runner.RunOnce(ctx, job.OrganizationID)
	if result.Err != nil {
		w.logger.Warn("Scheduled collection did not succeed",
			zap.String("organization_id", job.OrganizationID),
			zap.String("status", result.Status),
			zap.Int("exit_code", result.ExitCode()),
			zap.Error(result.Err),
		)
		return
	}
	w.logger.Info("Scheduled collection finished",
		zap.String("organization_id", job.OrganizationID),
		zap.Int("inserted", result.Inserted),
		zap.Duration("duration", result.Duration()),
	)
}
