package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

const tenantLabel = "organization_id"

// StartRemoteWrite pushes the registry to the configured remote-write
// endpoint every FlushInterval until ctx is done. It returns immediately when
// no endpoint is configured.
func (c *Collector) StartRemoteWrite(ctx context.Context) {
	if c == nil || c.config.RemoteWriteURL == "" {
		return
	}
	interval := c.config.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so short-lived runs are not lost.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

// Flush pushes the current registry contents once.
func (c *Collector) Flush(ctx context.Context) error {
	if c == nil || c.config.RemoteWriteURL == "" {
		return nil
	}
	return c.writeRemote(ctx)
}

func (c *Collector) flush(ctx context.Context) {
	if err := c.writeRemote(ctx); err != nil && c.logger != nil {
		c.logger.Warn("Remote write failed", zap.Error(err))
	}
}

func (c *Collector) writeRemote(ctx context.Context) error {
	mfs, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	samples := metricsToSamples(mfs, time.Now())
	if len(samples) == 0 {
		return nil
	}

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = len(samples)
	}
	for i := 0; i < len(samples); i += batchSize {
		end := i + batchSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := c.sendBatch(ctx, samples[i:end]); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}
	return nil
}

func metricsToSamples(mfs []*dto.MetricFamily, now time.Time) []prompb.TimeSeries {
	var samples []prompb.TimeSeries
	ts := now.UnixMilli()

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			var orgID string
			labels := make([]prompb.Label, 0, len(m.Label)+2)
			for _, l := range m.Label {
				if l.GetName() == tenantLabel {
					orgID = l.GetValue()
				}
				labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			}
			if orgID == "" {
				continue
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				samples = append(samples, series(mf.GetName(), labels, m.Counter.GetValue(), ts))
			case dto.MetricType_GAUGE:
				samples = append(samples, series(mf.GetName(), labels, m.Gauge.GetValue(), ts))
			case dto.MetricType_HISTOGRAM:
				hist := m.Histogram
				for _, bucket := range hist.Bucket {
					bucketLabels := append(append([]prompb.Label{}, labels...), prompb.Label{
						Name:  "le",
						Value: fmt.Sprintf("%g", bucket.GetUpperBound()),
					})
					samples = append(samples, series(mf.GetName()+"_bucket", bucketLabels, float64(bucket.GetCumulativeCount()), ts))
				}
				samples = append(samples,
					series(mf.GetName()+"_sum", labels, hist.GetSampleSum(), ts),
					series(mf.GetName()+"_count", labels, float64(hist.GetSampleCount()), ts),
				)
			}
		}
	}
	return samples
}

func series(name string, labels []prompb.Label, value float64, ts int64) prompb.TimeSeries {
	all := append(append([]prompb.Label{}, labels...), prompb.Label{Name: "__name__", Value: name})
	return prompb.TimeSeries{
		Labels:  all,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}

func (c *Collector) sendBatch(ctx context.Context, samples []prompb.TimeSeries) error {
	byOrg := make(map[string][]prompb.TimeSeries)
	for _, ts := range samples {
		for _, label := range ts.Labels {
			if label.Name == tenantLabel {
				byOrg[label.Value] = append(byOrg[label.Value], ts)
				break
			}
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	for orgID, orgSamples := range byOrg {
		req := &prompb.WriteRequest{Timeseries: orgSamples}
		data, err := req.Marshal()
		if err != nil {
			return err
		}
		compressed := snappy.Encode(nil, data)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RemoteWriteURL, bytes.NewReader(compressed))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/x-protobuf")
		httpReq.Header.Set("Content-Encoding", "snappy")
		httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
		httpReq.Header.Set(c.config.TenantHeader, orgID)
		if c.config.AuthToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("remote write for organization %s failed: %s", orgID, resp.Status)
		}
	}
	return nil
}
