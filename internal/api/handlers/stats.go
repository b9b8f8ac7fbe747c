package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/core"
	"github.com/leozw/client-counter/internal/output"
)

const maxPeriods = 366

// Summary builds the full report for the organization in context.
func (h *Handler) Summary(c *gin.Context) {
	req, ok := h.reportRequest(c)
	if !ok {
		return
	}
	report, err := h.calc.BuildReport(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to build report", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Averages serves the average of one granularity.
func (h *Handler) Averages(g aggregate.Granularity) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, ok := h.intQuery(c, "count", h.defaultCount(g))
		if !ok {
			return
		}
		asOf, ok := h.asOf(c)
		if !ok {
			return
		}
		avg, err := h.calc.ComputeAverages(c.Request.Context(), c.GetString("organization_id"), g, count, asOf)
		if err != nil {
			h.fail(c, "Failed to compute averages", err)
			return
		}
		c.JSON(http.StatusOK, avg)
	}
}

func (h *Handler) Hourly(c *gin.Context) {
	loc := h.calc.Location()
	day := h.now().In(loc)
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, raw, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	hours, err := h.calc.HourlyStats(c.Request.Context(), c.GetString("organization_id"), day)
	if err != nil {
		h.fail(c, "Failed to compute hourly stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"date":  day.Format(time.DateOnly),
		"hours": hours,
	})
}

func (h *Handler) PeakHours(c *gin.Context) {
	days, ok := h.intQuery(c, "days", 7)
	if !ok {
		return
	}
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}
	peaks, err := h.calc.PeakHours(c.Request.Context(), c.GetString("organization_id"), days, asOf)
	if err != nil {
		h.fail(c, "Failed to compute peak hours", err)
		return
	}
	c.JSON(http.StatusOK, peaks)
}

// Series serves one metric per sampled bucket for charting.
func (h *Handler) Series(c *gin.Context) {
	g, err := aggregate.ParseGranularity(c.Param("granularity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	metric, err := aggregate.ParseMetric(c.DefaultQuery("metric", string(aggregate.MetricUniqueMACs)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, ok := h.intQuery(c, "count", h.defaultCount(g))
	if !ok {
		return
	}
	asOf, ok := h.asOf(c)
	if !ok {
		return
	}

	avg, err := h.calc.ComputeAverages(c.Request.Context(), c.GetString("organization_id"), g, count, asOf)
	if err != nil {
		h.fail(c, "Failed to compute series", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"granularity":       g,
		"metric":            metric,
		"insufficient_data": avg.InsufficientData,
		"points":            aggregate.Series(*avg, metric),
	})
}

// Export renders the report as a downloadable json or csv file.
func (h *Handler) Export(c *gin.Context) {
	format, err := output.ParseFormat(c.Param("format"))
	if err != nil || format == output.FormatConsole {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or csv"})
		return
	}
	req, ok := h.reportRequest(c)
	if !ok {
		return
	}
	report, err := h.calc.BuildReport(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "Failed to build report", err)
		return
	}

	contentType := "application/json"
	if format == output.FormatCSV {
		contentType = "text/csv"
	}
	filename := fmt.Sprintf("client-report-%s-%s.%s", req.OrganizationID, report.AsOf.Format("20060102"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if err := output.WriteReport(c.Writer, report, format, output.Options{}); err != nil {
		h.logger.Error("Failed to write export", zap.Error(err))
	}
}

// DBStats summarizes the store and its most recent collection runs.
func (h *Handler) DBStats(c *gin.Context) {
	limit, ok := h.intQuery(c, "runs", 10)
	if !ok {
		return
	}
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to read database stats", err)
		return
	}
	runs, err := h.store.ListRuns(c.Request.Context(), c.GetString("organization_id"), limit)
	if err != nil {
		h.fail(c, "Failed to list collection runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"database":        stats,
		"collection_runs": runs,
	})
}

func (h *Handler) reportRequest(c *gin.Context) (aggregate.ReportRequest, bool) {
	req := aggregate.ReportRequest{OrganizationID: c.GetString("organization_id")}
	var ok bool
	if req.Days, ok = h.intQuery(c, "days", h.defaults.Days); !ok {
		return req, false
	}
	if req.Weeks, ok = h.intQuery(c, "weeks", h.defaults.Weeks); !ok {
		return req, false
	}
	if req.Months, ok = h.intQuery(c, "months", h.defaults.Months); !ok {
		return req, false
	}
	req.AsOf, ok = h.asOf(c)
	return req, ok
}

func (h *Handler) defaultCount(g aggregate.Granularity) int {
	switch g {
	case aggregate.Week:
		return h.defaults.Weeks
	case aggregate.Month:
		return h.defaults.Months
	default:
		return h.defaults.Days
	}
}

// intQuery reads a positive integer query parameter, writing a 400 when it is
// malformed.
func (h *Handler) intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > maxPeriods {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be an integer between 1 and %d", name, maxPeriods)})
		return 0, false
	}
	return v, true
}

// asOf accepts RFC3339 or a date, which means midnight in the report timezone.
func (h *Handler) asOf(c *gin.Context) (time.Time, bool) {
	raw := c.Query("as_of")
	if raw == "" {
		return h.now(), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, h.calc.Location()); err == nil {
		return t, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC3339 or YYYY-MM-DD"})
	return time.Time{}, false
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	if core.KindOf(err) == core.KindStorageUnavailable {
		status = http.StatusServiceUnavailable
	}
	h.logger.Error(msg,
		zap.String("organization_id", c.GetString("organization_id")),
		zap.Error(err))
	c.JSON(status, gin.H{"error": msg})
}
