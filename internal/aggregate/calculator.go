package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/core"
	"github.com/leozw/client-counter/internal/metrics"
)

// RangeReader is the read path of the observation store.
type RangeReader interface {
	QueryRange(ctx context.Context, orgID string, start, end time.Time) ([]core.Observation, error)
}

// Calculator runs the aggregation functions against stored observations. It
// never writes to the store.
type Calculator struct {
	reader  RangeReader
	loc     *time.Location
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewCalculator(reader RangeReader, loc *time.Location, collector *metrics.Collector, logger *zap.Logger) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		reader:  reader,
		loc:     loc,
		metrics: collector,
		logger:  logger.With(zap.String("component", "aggregate")),
	}
}

func (c *Calculator) Location() *time.Location {
	return c.loc
}

// ComputeAverages averages the periodCount most recent complete buckets of g
// at asOf.
func (c *Calculator) ComputeAverages(ctx context.Context, orgID string, g Granularity, periodCount int, asOf time.Time) (*PeriodAverage, error) {
	buckets := g.CompleteBuckets(periodCount, asOf, c.loc)
	if len(buckets) == 0 {
		avg := Summarize(nil, g, periodCount, asOf, c.loc)
		return &avg, nil
	}

	observations, err := c.reader.QueryRange(ctx, orgID, buckets[0].Start, buckets[len(buckets)-1].End)
	if err != nil {
		return nil, fmt.Errorf("compute %s averages: %w", g.Adjective(), err)
	}
	avg := Summarize(observations, g, periodCount, asOf, c.loc)
	c.record(orgID, &avg)
	return &avg, nil
}

func (c *Calculator) record(orgID string, avg *PeriodAverage) {
	c.metrics.RecordPeriodAverage(orgID, string(avg.Granularity), avg.Sampled, map[string]float64{
		"unique_macs":      avg.AvgUniqueMACs,
		"unique_ips":       avg.AvgUniqueIPs,
		"randomized_macs":  avg.AvgRandomized,
		"wireless_clients": avg.AvgWireless,
		"wired_clients":    avg.AvgWired,
	})
	if avg.InsufficientData {
		c.logger.Info("Insufficient data for averages",
			zap.String("organization_id", orgID),
			zap.String("granularity", string(avg.Granularity)),
			zap.Int("requested", avg.Requested))
	}
}

// ReportRequest selects what BuildReport computes. A zero period count skips
// that granularity.
type ReportRequest struct {
	OrganizationID   string
	OrganizationName string
	TrackingMethod   string
	AsOf             time.Time
	Days             int
	Weeks            int
	Months           int
}

// BuildReport reads the union of all requested ranges once and derives every
// average, the randomization analysis and the warnings from it.
func (c *Calculator) BuildReport(ctx context.Context, req ReportRequest) (*Report, error) {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}

	type plan struct {
		g     Granularity
		count int
		dst   **PeriodAverage
	}
	report := &Report{
		OrganizationID:   req.OrganizationID,
		OrganizationName: req.OrganizationName,
		TrackingMethod:   req.TrackingMethod,
		GeneratedAt:      time.Now().UTC(),
		AsOf:             asOf.UTC(),
		Timezone:         c.loc.String(),
	}
	plans := []plan{
		{Day, req.Days, &report.Daily},
		{Week, req.Weeks, &report.Weekly},
		{Month, req.Months, &report.Monthly},
	}

	var start, end time.Time
	for _, p := range plans {
		buckets := p.g.CompleteBuckets(p.count, asOf, c.loc)
		if len(buckets) == 0 {
			continue
		}
		if start.IsZero() || buckets[0].Start.Before(start) {
			start = buckets[0].Start
		}
		if last := buckets[len(buckets)-1].End; last.After(end) {
			end = last
		}
	}

	var observations []core.Observation
	if !start.IsZero() {
		var err error
		observations, err = c.reader.QueryRange(ctx, req.OrganizationID, start, end)
		if err != nil {
			return nil, fmt.Errorf("build report: %w", err)
		}
	}

	for _, p := range plans {
		if p.count <= 0 {
			continue
		}
		avg := Summarize(observations, p.g, p.count, asOf, c.loc)
		c.record(req.OrganizationID, &avg)
		*p.dst = &avg
	}

	report.MACAnalysis = AnalyzeRandomization(observations)
	report.MACIPRatio = headlineRatio(report.Averages(), report.MACAnalysis)
	report.Impact = Impact(report.MACIPRatio)
	report.Warnings = Warnings(report.MACAnalysis.RandomizedPercentage, report.MACIPRatio)
	c.metrics.RecordRandomization(req.OrganizationID, report.MACAnalysis.RandomizedPercentage, report.MACIPRatio)

	c.logger.Info("Report built",
		zap.String("organization_id", req.OrganizationID),
		zap.Int("observations", len(observations)),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.String("impact", report.Impact))
	return report, nil
}

// HourlyStats counts each clock hour of the day containing day.
func (c *Calculator) HourlyStats(ctx context.Context, orgID string, day time.Time) ([]HourStats, error) {
	b := Day.BucketOf(day, c.loc)
	observations, err := c.reader.QueryRange(ctx, orgID, b.Start, b.End)
	if err != nil {
		return nil, fmt.Errorf("hourly stats: %w", err)
	}
	return Hourly(observations, b.Start, c.loc), nil
}

// PeakHours averages hourly activity over the last days complete days.
func (c *Calculator) PeakHours(ctx context.Context, orgID string, days int, asOf time.Time) (*PeakHours, error) {
	buckets := Day.CompleteBuckets(days, asOf, c.loc)
	var observations []core.Observation
	if len(buckets) > 0 {
		var err error
		observations, err = c.reader.QueryRange(ctx, orgID, buckets[0].Start, buckets[len(buckets)-1].End)
		if err != nil {
			return nil, fmt.Errorf("peak hours: %w", err)
		}
	}
	result := AnalyzePeakHours(observations, days, asOf, c.loc)
	return &result, nil
}
