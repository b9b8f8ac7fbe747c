package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/leozw/client-counter/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns every metric the collector, report and API processes export.
// All methods are safe to call on a nil *Collector.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry
	logger   *zap.Logger

	// Meraki API
	apiRequests *prometheus.CounterVec
	apiRetries  *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec

	// Collection runs
	runsTotal            *prometheus.CounterVec
	runDuration          *prometheus.HistogramVec
	observationsFetched  *prometheus.CounterVec
	observationsInserted *prometheus.CounterVec
	observationsSkipped  *prometheus.CounterVec
	watermarkTimestamp   *prometheus.GaugeVec
	lastRunTimestamp     *prometheus.GaugeVec

	// Reports
	periodAverage        *prometheus.GaugeVec
	periodsSampled       *prometheus.GaugeVec
	macIPRatio           *prometheus.GaugeVec
	randomizedPercentage *prometheus.GaugeVec
}

func NewCollector(cfg config.MetricsConfig, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		config:   &cfg,
		registry: reg,
		logger:   logger,

		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meraki_api_requests_total",
				Help: "Meraki Dashboard API requests by endpoint and HTTP status",
			},
			[]string{"organization_id", "endpoint", "status"},
		),

		apiRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meraki_api_retries_total",
				Help: "Meraki Dashboard API retries by reason",
			},
			[]string{"organization_id", "reason"},
		),

		apiLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meraki_api_request_duration_seconds",
				Help:    "Duration of Meraki Dashboard API requests in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"organization_id", "endpoint"},
		),

		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "client_collection_runs_total",
				Help: "Collection runs by final status",
			},
			[]string{"organization_id", "status"},
		),

		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "client_collection_run_duration_seconds",
				Help:    "Duration of collection runs in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"organization_id"},
		),

		observationsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "client_observations_fetched_total",
				Help: "Client observations returned by the API",
			},
			[]string{"organization_id"},
		),

		observationsInserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "client_observations_inserted_total",
				Help: "Client observations newly stored",
			},
			[]string{"organization_id"},
		),

		observationsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "client_observations_duplicate_total",
				Help: "Client observations skipped as already stored",
			},
			[]string{"organization_id"},
		),

		watermarkTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "client_collection_watermark_timestamp_seconds",
				Help: "Most recent last_seen stored for the organization",
			},
			[]string{"organization_id"},
		),

		lastRunTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "client_collection_last_run_timestamp_seconds",
				Help: "Completion time of the last collection run",
			},
			[]string{"organization_id", "status"},
		),

		periodAverage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "client_period_average",
				Help: "Average per-period unique client metric",
			},
			[]string{"organization_id", "granularity", "metric"},
		),

		periodsSampled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "client_periods_sampled",
				Help: "Complete periods included in the average",
			},
			[]string{"organization_id", "granularity"},
		),

		macIPRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "client_mac_ip_ratio",
				Help: "Unique MAC to unique IP ratio (absent when undefined)",
			},
			[]string{"organization_id"},
		),

		randomizedPercentage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "client_randomized_mac_percentage",
				Help: "Share of unique MACs with the locally-administered bit set",
			},
			[]string{"organization_id"},
		),
	}
}

// Handler exposes the collector's registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordAPIRequest(orgID, endpoint string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	c.apiRequests.WithLabelValues(orgID, endpoint, label).Inc()
	c.apiLatency.WithLabelValues(orgID, endpoint).Observe(duration.Seconds())
}

func (c *Collector) RecordAPIRetry(orgID, reason string) {
	if c == nil {
		return
	}
	c.apiRetries.WithLabelValues(orgID, reason).Inc()
}

// RunStats is what a finished collection run reports.
type RunStats struct {
	OrganizationID string
	Status         string
	Fetched        int
	Inserted       int
	Skipped        int
	Duration       time.Duration
	Watermark      time.Time
	FinishedAt     time.Time
}

func (c *Collector) RecordRun(stats RunStats) {
	if c == nil {
		return
	}
	org := stats.OrganizationID
	c.runsTotal.WithLabelValues(org, stats.Status).Inc()
	c.runDuration.WithLabelValues(org).Observe(stats.Duration.Seconds())
	c.observationsFetched.WithLabelValues(org).Add(float64(stats.Fetched))
	c.observationsInserted.WithLabelValues(org).Add(float64(stats.Inserted))
	c.observationsSkipped.WithLabelValues(org).Add(float64(stats.Skipped))
	if !stats.Watermark.IsZero() {
		c.watermarkTimestamp.WithLabelValues(org).Set(float64(stats.Watermark.Unix()))
	}
	c.lastRunTimestamp.WithLabelValues(org, stats.Status).Set(float64(stats.FinishedAt.Unix()))
}

func (c *Collector) RecordPeriodAverage(orgID, granularity string, sampled int, values map[string]float64) {
	if c == nil {
		return
	}
	c.periodsSampled.WithLabelValues(orgID, granularity).Set(float64(sampled))
	for metric, value := range values {
		c.periodAverage.WithLabelValues(orgID, granularity, metric).Set(value)
	}
}

func (c *Collector) RecordRandomization(orgID string, percentage float64, ratio *float64) {
	if c == nil {
		return
	}
	c.randomizedPercentage.WithLabelValues(orgID).Set(percentage)
	if ratio == nil {
		c.macIPRatio.DeleteLabelValues(orgID)
		return
	}
	c.macIPRatio.WithLabelValues(orgID).Set(*ratio)
}
