package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/collector"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/store"
)

type blockingRunner struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	started chan string
}

func (r *blockingRunner) RunOnce(ctx context.Context, orgID string) *collector.RunResult {
	r.mu.Lock()
	r.calls = append(r.calls, orgID)
	r.mu.Unlock()
	r.started <- orgID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return &collector.RunResult{OrganizationID: orgID, Status: store.RunSuccess}
}

func TestSchedulerSkipsOrganizationStillRunning(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan string, 4)}
	cfg := config.CollectorConfig{Schedule: "@every 1h", RunTimeout: time.Minute}
	s := NewScheduler(runner, []string{"org1"}, cfg, true, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	select {
	case orgID := <-runner.started:
		assert.Equal(t, "org1", orgID)
	case <-time.After(5 * time.Second):
		t.Fatal("startup collection did not run")
	}

	// The first pass is still running.
	assert.False(t, s.enqueue("org1", "schedule"))

	close(runner.release)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.pending["org1"]
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, s.enqueue("org1", "schedule"))
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("second collection did not run")
	}

	cancel()
	require.NoError(t, <-errCh)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"org1", "org1"}, runner.calls)
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan string, 1)}
	s := NewScheduler(runner, []string{"org1"}, config.CollectorConfig{Schedule: "not a schedule"}, false, nil)
	err := s.Start(context.Background())
	assert.Error(t, err)
}
