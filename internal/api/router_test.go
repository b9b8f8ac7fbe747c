package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/api/middleware"
	"github.com/leozw/client-counter/internal/config"
	"github.com/leozw/client-counter/internal/core"
	"github.com/leozw/client-counter/internal/store"
)

const asOf = "2024-03-06T00:00:00Z"

func observation(mac, ip string, lastSeen time.Time) core.Observation {
	o := core.Observation{
		Address:        mac,
		ConnectionType: core.ConnectionWireless,
		FirstSeen:      lastSeen.Add(-time.Minute),
		LastSeen:       lastSeen,
		NetworkID:      "N_1",
		OrganizationID: "org1",
	}
	if ip != "" {
		o.IPAddress = &ip
	}
	return o
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, config.DatabaseConfig{
		Driver: store.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "clients.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	day1 := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	_, err = s.InsertIfAbsent(ctx, []core.Observation{
		observation("00:11:22:33:44:01", "10.0.0.1", day1),
		observation("00:11:22:33:44:02", "10.0.0.2", day1),
		observation("02:AA:BB:CC:DD:EE", "10.0.0.2", day1.Add(time.Hour)),
		observation("00:11:22:33:44:01", "10.0.0.1", day2),
		observation("00:11:22:33:44:02", "10.0.0.2", day2),
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Meraki: config.MerakiConfig{OrganizationID: "org1"},
		Report: config.ReportConfig{Timezone: "UTC", Days: 7, Weeks: 4, Months: 3},
		Server: config.ServerConfig{Mode: gin.TestMode},
	}
	if mutate != nil {
		mutate(cfg)
	}
	calc := aggregate.NewCalculator(s, time.UTC, nil, zap.NewNop())
	return NewServer(cfg, s, calc, nil, zap.NewNop())
}

func get(t *testing.T, srv *Server, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, get(t, srv, "/health", nil).Code)

	w := get(t, srv, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])

	assert.Equal(t, http.StatusOK, get(t, srv, "/metrics", nil).Code)
}

func TestSummary(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(t, srv, "/api/v1/stats/summary?days=2&weeks=1&months=1&as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)

	daily := body["daily"].(map[string]any)
	assert.Equal(t, 2.0, daily["days_sampled"])
	assert.Equal(t, 2.5, daily["avg_unique_mac_addresses"])
	assert.Equal(t, 2.0, daily["avg_unique_ip_addresses"])
	assert.InDelta(t, 1.25, body["mac_ip_ratio"], 1e-9)
	assert.Equal(t, aggregate.ImpactModerate, body["randomization_impact"])

	weekly := body["weekly"].(map[string]any)
	assert.Equal(t, true, weekly["insufficient_data"])
}

func TestAveragesEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(t, srv, "/api/v1/stats/daily?count=2&as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.5, decode(t, w)["avg_unique_mac_addresses"])

	w = get(t, srv, "/api/v1/stats/monthly?as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["insufficient_data"])

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/stats/daily?count=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/stats/daily?as_of=yesterday", nil).Code)
}

func TestHourlyAndPeakHours(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(t, srv, "/api/v1/stats/hourly?date=2024-03-04", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hourly struct {
		Date  string               `json:"date"`
		Hours []aggregate.HourStats `json:"hours"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hourly))
	assert.Equal(t, "2024-03-04", hourly.Date)
	require.Len(t, hourly.Hours, 24)
	assert.Equal(t, 2, hourly.Hours[9].UniqueMACs)
	assert.Equal(t, 1, hourly.Hours[10].UniqueMACs)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/stats/hourly?date=03/04/2024", nil).Code)

	w = get(t, srv, "/api/v1/stats/peak-hours?days=2&as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var peaks aggregate.PeakHours
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &peaks))
	assert.Equal(t, 9, peaks.PeakHour)
}

func TestSeries(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(t, srv, "/api/v1/series/daily?metric=unique_macs&count=2&as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var series struct {
		Metric string            `json:"metric"`
		Points []aggregate.Point `json:"points"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &series))
	assert.Equal(t, "unique_macs", series.Metric)
	require.Len(t, series.Points, 2)
	assert.Equal(t, 3.0, series.Points[0].Value)
	assert.Equal(t, 2.0, series.Points[1].Value)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/series/fortnight", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/series/day?metric=bogus", nil).Code)
}

func TestExport(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(t, srv, "/api/v1/export/csv?days=2&as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "client-report-org1-20240306.csv")
	assert.True(t, strings.HasPrefix(w.Body.String(), "Metric,Value"))

	w = get(t, srv, "/api/v1/export/json?days=2&as_of="+asOf, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "org1", decode(t, w)["organization_id"])

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/export/xml", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/export/console", nil).Code)
}

func TestDBStats(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(t, srv, "/api/v1/db/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	database := decode(t, w)["database"].(map[string]any)
	assert.Equal(t, 5.0, database["record_count"])
	assert.Equal(t, 3.0, database["unique_addresses"])
}

func TestOrganizationRequired(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) { cfg.Meraki.OrganizationID = "" })

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/api/v1/stats/daily", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/v1/stats/daily?organization_id=org1", nil).Code)
}

func TestJWTAuth(t *testing.T) {
	const secret = "s3cret"
	srv := newTestServer(t, func(cfg *config.Config) { cfg.Server.JWTSecret = secret })

	sign := func(org string) http.Header {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
			Organization: org,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "dashboard",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return http.Header{"Authorization": {"Bearer " + signed}}
	}

	assert.Equal(t, http.StatusOK, get(t, srv, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv, "/api/v1/db/stats", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv, "/api/v1/db/stats",
		http.Header{"Authorization": {"Bearer not-a-token"}}).Code)
	assert.Equal(t, http.StatusForbidden, get(t, srv, "/api/v1/db/stats?organization_id=org1", sign("org2")).Code)

	w := get(t, srv, "/api/v1/export/json?days=2&as_of="+asOf, sign("org1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "org1", decode(t, w)["organization_id"])
}
