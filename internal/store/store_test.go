package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver: DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "clients.db"),
	}
	s, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func obs(mac, ip string, conn core.ConnectionType, lastSeen time.Time) core.Observation {
	o := core.Observation{
		Address:        mac,
		ConnectionType: conn,
		FirstSeen:      lastSeen.Add(-time.Minute),
		LastSeen:       lastSeen,
		NetworkID:      "N_1",
		NetworkName:    "HQ",
		OrganizationID: "org1",
	}
	if ip != "" {
		o.IPAddress = strPtr(ip)
	}
	return o
}

func TestInsertIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	batch := []core.Observation{
		obs("AA:BB:CC:00:00:01", "10.0.0.1", core.ConnectionWireless, base),
		obs("AA:BB:CC:00:00:02", "", core.ConnectionWired, base.Add(time.Minute)),
		obs("aa-bb-cc-00-00-03", "10.0.0.3", core.ConnectionWireless, base.Add(2*time.Minute)),
	}

	first, err := s.InsertIfAbsent(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, InsertResult{Inserted: 3}, first)

	second, err := s.InsertIfAbsent(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, InsertResult{Skipped: 3}, second)

	got, err := s.QueryRange(ctx, "org1", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "AA:BB:CC:00:00:03", got[2].Address)
	assert.Nil(t, got[1].IPAddress)
	assert.Equal(t, core.ConnectionWired, got[1].ConnectionType)
	assert.Equal(t, base, got[0].LastSeen)
	assert.Equal(t, base.Add(-time.Minute), got[0].FirstSeen)
}

func TestInsertIfAbsentSameAddressNewTimestamp(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := s.InsertIfAbsent(ctx, []core.Observation{
		obs("AA:BB:CC:00:00:01", "10.0.0.1", core.ConnectionWireless, base),
		obs("AA:BB:CC:00:00:01", "10.0.0.1", core.ConnectionWireless, base.Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
}

func TestInsertIfAbsentDropsInvalid(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	bad := obs("", "", core.ConnectionWired, base)
	clamped := obs("AA:BB:CC:00:00:09", "", core.ConnectionWired, base)
	clamped.FirstSeen = base.Add(time.Hour)

	res, err := s.InsertIfAbsent(ctx, []core.Observation{bad, clamped})
	require.NoError(t, err)
	assert.Equal(t, InsertResult{Inserted: 1, Invalid: 1}, res)

	got, err := s.QueryRange(ctx, "org1", base, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, got[0].LastSeen, got[0].FirstSeen)
}

func TestLatestSeen(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.LatestSeen(ctx, "org1")
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2024, 5, 1, 12, 0, 0, 123000, time.UTC)
	_, err = s.InsertIfAbsent(ctx, []core.Observation{
		obs("AA:BB:CC:00:00:01", "", core.ConnectionWired, base),
		obs("AA:BB:CC:00:00:02", "", core.ConnectionWired, base.Add(3*time.Hour)),
	})
	require.NoError(t, err)

	latest, ok, err := s.LatestSeen(ctx, "org1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, base.Add(3*time.Hour), latest)

	_, ok, err = s.LatestSeen(ctx, "other-org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryRangeIsHalfOpen(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.InsertIfAbsent(ctx, []core.Observation{
		obs("AA:BB:CC:00:00:01", "", core.ConnectionWired, day),
		obs("AA:BB:CC:00:00:02", "", core.ConnectionWired, day.Add(12*time.Hour)),
		obs("AA:BB:CC:00:00:03", "", core.ConnectionWired, day.Add(24*time.Hour)),
	})
	require.NoError(t, err)

	got, err := s.QueryRange(ctx, "org1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "AA:BB:CC:00:00:01", got[0].Address)
	assert.Equal(t, "AA:BB:CC:00:00:02", got[1].Address)

	empty, err := s.QueryRange(ctx, "org1", day, day)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStatsAndRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.RecordCount)
	assert.Nil(t, stats.Earliest)

	_, err = s.InsertIfAbsent(ctx, []core.Observation{
		obs("AA:BB:CC:00:00:01", "", core.ConnectionWired, base),
		obs("AA:BB:CC:00:00:01", "", core.ConnectionWired, base.Add(time.Hour)),
	})
	require.NoError(t, err)

	run := &CollectionRun{
		ID:             "7d3c2f1e-0000-4000-8000-000000000001",
		OrganizationID: "org1",
		WindowStart:    base.Add(-time.Hour),
		WindowEnd:      base.Add(time.Hour),
		Bootstrap:      true,
		StartedAt:      base,
		FinishedAt:     base.Add(time.Minute),
		Fetched:        2,
		Inserted:       2,
		Status:         RunSuccess,
	}
	require.NoError(t, s.RecordRun(ctx, run))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.RecordCount)
	assert.Equal(t, int64(1), stats.UniqueAddresses)
	assert.Equal(t, []string{"org1"}, stats.Organizations)
	assert.Equal(t, int64(1), stats.CollectionRuns)
	require.NotNil(t, stats.Latest)
	assert.Equal(t, base.Add(time.Hour), *stats.Latest)

	latest, err := s.LatestRun(ctx, "org1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, *run, *latest)

	none, err := s.LatestRun(ctx, "org2")
	require.NoError(t, err)
	assert.Nil(t, none)

	runs, err := s.ListRuns(ctx, "", 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestClosedStoreReportsStorageUnavailable(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, _, err := s.LatestSeen(context.Background(), "org1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStorageUnavailable))
	assert.Equal(t, core.KindStorageUnavailable, core.KindOf(err))
}

func TestResumePoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := s.ResumePoint(ctx, "org1")
	require.NoError(t, err)
	assert.False(t, ok)

	record := func(id, status string, windowStart, startedAt time.Time) {
		require.NoError(t, s.RecordRun(ctx, &CollectionRun{
			ID:             id,
			OrganizationID: "org1",
			WindowStart:    windowStart,
			WindowEnd:      startedAt,
			StartedAt:      startedAt,
			FinishedAt:     startedAt.Add(time.Minute),
			Status:         status,
		}))
	}

	record("r1", RunPartial, base, base.Add(time.Hour))
	record("r2", RunSuccess, base, base.Add(2*time.Hour))
	_, ok, err = s.ResumePoint(ctx, "org1")
	require.NoError(t, err)
	assert.False(t, ok, "a success closes earlier failures")

	record("r3", RunPartial, base.Add(90*time.Minute), base.Add(3*time.Hour))
	record("r4", RunFailed, base.Add(2*time.Hour), base.Add(4*time.Hour))
	record("r5", RunFailed, time.Time{}, base.Add(5*time.Hour))
	start, ok, err := s.ResumePoint(ctx, "org1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(90*time.Minute), start)

	_, ok, err = s.ResumePoint(ctx, "org2")
	require.NoError(t, err)
	assert.False(t, ok)
}
