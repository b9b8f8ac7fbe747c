package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/store"
)

func ptr(v float64) *float64 { return &v }

func sampleReport() *aggregate.Report {
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	return &aggregate.Report{
		OrganizationID:   "org1",
		OrganizationName: "Makerspace",
		TrackingMethod:   "MAC address",
		GeneratedAt:      day.Add(50 * time.Hour),
		AsOf:             day.Add(48 * time.Hour),
		Timezone:         "UTC",
		Daily: &aggregate.PeriodAverage{
			Granularity:   aggregate.Day,
			Requested:     2,
			Sampled:       2,
			Start:         day,
			End:           day.Add(48 * time.Hour),
			AvgUniqueMACs: 12,
			AvgUniqueIPs:  6,
			AvgWireless:   10,
			AvgWired:      2,
			MACIPRatio:    ptr(2),
			Details: []aggregate.PeriodStats{
				{Label: "2024-03-04", Start: day, End: day.Add(24 * time.Hour), UniqueMACs: 10, UniqueIPs: 5, MACIPRatio: ptr(2)},
				{Label: "2024-03-05", Start: day.Add(24 * time.Hour), End: day.Add(48 * time.Hour), UniqueMACs: 14, UniqueIPs: 7, MACIPRatio: ptr(2)},
			},
		},
		Weekly: &aggregate.PeriodAverage{
			Granularity:      aggregate.Week,
			Requested:        4,
			InsufficientData: true,
			Details:          []aggregate.PeriodStats{},
		},
		MACAnalysis: aggregate.MACAnalysis{TotalMACs: 20, TotalIPs: 10, RandomizedMACs: 5, RandomizedPercentage: 25, MACIPRatio: ptr(2)},
		MACIPRatio:  ptr(2),
		Impact:      aggregate.ImpactSignificant,
		Warnings:    []string{"MAC/IP ratio is 2.00:1 (significant)"},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatConsole, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestWriteReportConsole(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sampleReport(), FormatConsole, Options{ShowDetails: true, ShowMACAnalysis: true}))

	out := buf.String()
	assert.Contains(t, out, "Client report for Makerspace")
	assert.Contains(t, out, "Client tracking method: MAC address")
	assert.Contains(t, out, "Daily")
	assert.Contains(t, out, "12.00")
	assert.Contains(t, out, "2.00:1")
	assert.Contains(t, out, "2 of 2 days")
	assert.Contains(t, out, "Insufficient data: no complete week")
	assert.Contains(t, out, "2024-03-05")
	assert.Contains(t, out, "MAC randomization analysis")
	assert.Contains(t, out, "SIGNIFICANT")
	assert.Contains(t, out, "! MAC/IP ratio is 2.00:1 (significant)")
}

func TestWriteReportConsoleHidesOptionalSections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sampleReport(), FormatConsole, Options{}))
	assert.NotContains(t, buf.String(), "Daily details")
	assert.NotContains(t, buf.String(), "MAC randomization analysis")
}

func TestWriteReportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sampleReport(), FormatJSON, Options{}))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "org1", decoded["organization_id"])
	assert.Equal(t, 2.0, decoded["mac_ip_ratio"])

	daily, ok := decoded["daily"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.0, daily["days_sampled"])
	assert.Equal(t, 12.0, daily["avg_unique_mac_addresses"])

	weekly, ok := decoded["weekly"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, weekly["insufficient_data"])
	assert.Nil(t, weekly["mac_ip_ratio"])
}

func TestWriteReportCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, sampleReport(), FormatCSV, Options{}))

	r := csv.NewReader(&buf)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)

	values := map[string][]string{}
	for _, row := range rows {
		if len(row) == 2 {
			values[row[0]] = append(values[row[0]], row[1])
		}
	}
	assert.Equal(t, []string{"Value"}, values["Metric"])
	assert.Equal(t, []string{"Makerspace"}, values["Organization Name"])
	assert.Equal(t, []string{"12.00", "n/a"}, values["Unique MAC addresses"])
	assert.Equal(t, []string{"2"}, values["Days Sampled"])
	assert.Equal(t, []string{"0"}, values["Weeks Sampled"])
	assert.Equal(t, []string{"true"}, values["Insufficient Data"])
	assert.Equal(t, []string{"2.00:1", "undefined", "2.00:1"}, values["MAC/IP Ratio"])
	assert.Equal(t, []string{"significant"}, values["Impact"])
}

func TestWriteSeries(t *testing.T) {
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	points := []aggregate.Point{
		{Start: start, Label: "2024-03-04", Value: 10},
		{Start: start.Add(24 * time.Hour), Label: "2024-03-05", Value: 14},
	}

	var csvBuf bytes.Buffer
	require.NoError(t, WriteSeries(&csvBuf, aggregate.Day, aggregate.MetricUniqueMACs, points, FormatCSV))
	rows, err := csv.NewReader(&csvBuf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"start", "label", "unique_macs"}, rows[0])
	assert.Equal(t, "14.00", rows[2][2])

	var jsonBuf bytes.Buffer
	require.NoError(t, WriteSeries(&jsonBuf, aggregate.Day, aggregate.MetricUniqueMACs, points, FormatJSON))
	var decoded struct {
		Granularity string            `json:"granularity"`
		Points      []aggregate.Point `json:"points"`
	}
	require.NoError(t, json.Unmarshal(jsonBuf.Bytes(), &decoded))
	assert.Equal(t, "day", decoded.Granularity)
	assert.Len(t, decoded.Points, 2)

	var console bytes.Buffer
	require.NoError(t, WriteSeries(&console, aggregate.Day, aggregate.MetricUniqueMACs, points, FormatConsole))
	assert.Contains(t, console.String(), "2024-03-05")
}

func TestWriteStats(t *testing.T) {
	earliest := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	stats := &store.Stats{
		RecordCount:     42,
		UniqueAddresses: 17,
		Earliest:        &earliest,
		Organizations:   []string{"org1", "org2"},
		Networks:        3,
		CollectionRuns:  1,
	}
	runs := []store.CollectionRun{{
		OrganizationID: "org1",
		WindowStart:    earliest,
		WindowEnd:      earliest.Add(90 * time.Minute),
		StartedAt:      earliest.Add(2 * time.Hour),
		Fetched:        10,
		Inserted:       8,
		Duplicates:     2,
		Status:         store.RunSuccess,
	}}

	var console bytes.Buffer
	require.NoError(t, WriteStats(&console, stats, runs, FormatConsole))
	assert.Contains(t, console.String(), "Database statistics")
	assert.Contains(t, console.String(), "org1, org2")
	assert.Contains(t, console.String(), "1h30m0s")

	var csvBuf bytes.Buffer
	require.NoError(t, WriteStats(&csvBuf, stats, nil, FormatCSV))
	assert.Contains(t, csvBuf.String(), "Total Records,42")
	assert.Contains(t, csvBuf.String(), "Latest,-")

	var jsonBuf bytes.Buffer
	require.NoError(t, WriteStats(&jsonBuf, stats, runs, FormatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(jsonBuf.Bytes(), &decoded))
	assert.Contains(t, decoded, "database")
	assert.Contains(t, decoded, "collection_runs")
}
