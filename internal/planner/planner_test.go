package planner

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/core"
)

type fakeSource struct {
	latest map[string]time.Time
	resume map[string]time.Time
	err    error
}

func (f *fakeSource) LatestSeen(_ context.Context, orgID string) (time.Time, bool, error) {
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	t, ok := f.latest[orgID]
	return t, ok, nil
}

func (f *fakeSource) ResumePoint(_ context.Context, orgID string) (time.Time, bool, error) {
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	t, ok := f.resume[orgID]
	return t, ok, nil
}

func TestPlanBootstrap(t *testing.T) {
	p := New(&fakeSource{}, DefaultOverlap, DefaultBootstrap, zap.NewNop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	w, err := p.Plan(context.Background(), "org1", now)
	require.NoError(t, err)
	assert.True(t, w.Bootstrap)
	assert.Equal(t, now.Add(-30*24*time.Hour), w.Start)
	assert.Equal(t, now, w.End)
	assert.True(t, w.Watermark.IsZero())
}

func TestPlanIncremental(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("recent watermark keeps the overlap", func(t *testing.T) {
		src := &fakeSource{latest: map[string]time.Time{"org1": now.Add(-10 * time.Minute)}}
		w, err := New(src, DefaultOverlap, DefaultBootstrap, nil).Plan(context.Background(), "org1", now)
		require.NoError(t, err)
		assert.False(t, w.Bootstrap)
		assert.Equal(t, now.Add(-10*time.Minute-90*time.Minute), w.Start)
		assert.Equal(t, now, w.End)
	})

	t.Run("outage widens the window", func(t *testing.T) {
		src := &fakeSource{latest: map[string]time.Time{"org1": now.Add(-72 * time.Hour)}}
		w, err := New(src, DefaultOverlap, DefaultBootstrap, nil).Plan(context.Background(), "org1", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-72*time.Hour-90*time.Minute), w.Start)
	})

	t.Run("future watermark is clamped", func(t *testing.T) {
		src := &fakeSource{latest: map[string]time.Time{"org1": now.Add(3 * time.Hour)}}
		w, err := New(src, DefaultOverlap, DefaultBootstrap, nil).Plan(context.Background(), "org1", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-90*time.Minute), w.Start)
		assert.Equal(t, now, w.End)
	})
}

func TestPlanResumesUnfinishedRun(t *testing.T) {
	now := time.Date(2024, 6, 10, 13, 0, 0, 0, time.UTC)

	t.Run("reaches back past the watermark", func(t *testing.T) {
		failedStart := now.Add(-5 * 24 * time.Hour)
		src := &fakeSource{
			latest: map[string]time.Time{"org1": now.Add(-time.Minute)},
			resume: map[string]time.Time{"org1": failedStart},
		}
		w, err := New(src, DefaultOverlap, DefaultBootstrap, nil).Plan(context.Background(), "org1", now)
		require.NoError(t, err)
		assert.True(t, w.Resumed)
		assert.Equal(t, failedStart, w.Start)
		assert.Equal(t, now, w.End)
	})

	t.Run("later resume point keeps the overlap window", func(t *testing.T) {
		src := &fakeSource{
			latest: map[string]time.Time{"org1": now.Add(-time.Hour)},
			resume: map[string]time.Time{"org1": now.Add(-10 * time.Minute)},
		}
		w, err := New(src, DefaultOverlap, DefaultBootstrap, nil).Plan(context.Background(), "org1", now)
		require.NoError(t, err)
		assert.False(t, w.Resumed)
		assert.Equal(t, now.Add(-time.Hour-DefaultOverlap), w.Start)
	})

	t.Run("failed bootstrap is retried in full", func(t *testing.T) {
		failedStart := now.Add(-40 * 24 * time.Hour)
		src := &fakeSource{resume: map[string]time.Time{"org1": failedStart}}
		w, err := New(src, DefaultOverlap, DefaultBootstrap, nil).Plan(context.Background(), "org1", now)
		require.NoError(t, err)
		assert.True(t, w.Bootstrap)
		assert.Equal(t, failedStart, w.Start)
	})
}

func TestPlanPropagatesStorageErrors(t *testing.T) {
	src := &fakeSource{err: core.ErrStorageUnavailable}
	_, err := New(src, DefaultOverlap, DefaultBootstrap, nil).Plan(context.Background(), "org1", time.Now())
	assert.True(t, errors.Is(err, core.ErrStorageUnavailable))
}

// Runs at random intervals, each storing observations up to a little before
// its own end, must leave no uncovered time between the first start and the
// last end.
func TestPlanLeavesNoGaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := &fakeSource{latest: map[string]time.Time{}}
	p := New(src, DefaultOverlap, DefaultBootstrap, nil)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var windows []Window
	for i := 0; i < 200; i++ {
		w, err := p.Plan(context.Background(), "org1", now)
		require.NoError(t, err)
		assert.False(t, w.End.After(now))
		windows = append(windows, w)

		// The newest record seen by this run lags its end by up to an hour.
		lag := time.Duration(rng.Int63n(int64(time.Hour)))
		if seen := now.Add(-lag); seen.After(src.latest["org1"]) {
			src.latest["org1"] = seen
		}

		// Gaps range from minutes to a multi-day outage.
		gap := time.Duration(rng.Int63n(int64(96*time.Hour))) + time.Minute
		if i%5 != 0 {
			gap = time.Duration(rng.Int63n(int64(2*time.Hour))) + time.Minute
		}
		now = now.Add(gap)
	}

	sort.Slice(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })
	covered := windows[0].End
	for _, w := range windows[1:] {
		require.False(t, w.Start.After(covered), "gap between %s and %s", covered, w.Start)
		if w.End.After(covered) {
			covered = w.End
		}
	}
	assert.Equal(t, windows[len(windows)-1].End, covered)
}
