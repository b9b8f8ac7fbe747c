package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/store"
)

func TestReportRejectsUnknownMetric(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "clients.db")
	cfg := &config.Config{
		Meraki:   config.MerakiConfig{OrganizationID: "org1"},
		Database: config.DatabaseConfig{Driver: store.DriverSQLite, URL: dbPath},
		Report:   config.ReportConfig{Timezone: "UTC", Days: 7, Weeks: 4, Months: 3},
	}
	opts := options{format: "csv", series: "day", metric: "bogus"}

	err := report(context.Background(), cfg, opts, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown metric "bogus"`)
	assert.NoFileExists(t, dbPath)
}
