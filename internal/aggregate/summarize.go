package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leozw/client-counter/internal/core"
)

// IsRandomizedMAC reports whether the locally-administered bit of the first
// octet is set, i.e. its second hex digit is 2, 6, A or E. Randomizing devices
// use such addresses, but so can other locally-administered interfaces; this
// is a heuristic.
func IsRandomizedMAC(mac string) bool {
	mac = strings.TrimSpace(mac)
	if len(mac) < 2 {
		return false
	}
	switch mac[1] {
	case '2', '6', 'a', 'A', 'e', 'E':
		return true
	default:
		return false
	}
}

// PeriodStats are the unique-entity counts of one bucket.
type PeriodStats struct {
	Label          string    `json:"label"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	UniqueMACs     int       `json:"unique_macs"`
	UniqueIPs      int       `json:"unique_ips"`
	RandomizedMACs int       `json:"randomized_macs"`
	Wireless       int       `json:"wireless_clients"`
	Wired          int       `json:"wired_clients"`
	MACIPRatio     *float64  `json:"mac_ip_ratio"`
	Observations   int       `json:"observations"`
}

// Empty reports whether no observation fell into the bucket.
func (p PeriodStats) Empty() bool {
	return p.Observations == 0
}

// CountBucket computes the bucket's counts from observations. Observations
// outside the bucket are ignored. A device's wired/wireless class is the
// connection type of its latest observation in the bucket.
func CountBucket(observations []core.Observation, b Bucket) PeriodStats {
	type latest struct {
		at   time.Time
		conn core.ConnectionType
	}

	macs := make(map[string]latest)
	ips := make(map[string]struct{})
	stats := PeriodStats{Start: b.Start, End: b.End}

	for _, o := range observations {
		if !b.Contains(o.LastSeen) {
			continue
		}
		stats.Observations++

		mac := core.CanonicalMAC(o.Address)
		if mac != "" {
			if cur, ok := macs[mac]; !ok || !o.LastSeen.Before(cur.at) {
				macs[mac] = latest{at: o.LastSeen, conn: o.ConnectionType}
			}
		}
		if o.IPAddress != nil && *o.IPAddress != "" {
			ips[*o.IPAddress] = struct{}{}
		}
	}

	for mac, l := range macs {
		if IsRandomizedMAC(mac) {
			stats.RandomizedMACs++
		}
		switch l.conn {
		case core.ConnectionWireless:
			stats.Wireless++
		case core.ConnectionWired:
			stats.Wired++
		}
	}
	stats.UniqueMACs = len(macs)
	stats.UniqueIPs = len(ips)
	stats.MACIPRatio = ratio(float64(stats.UniqueMACs), float64(stats.UniqueIPs))
	return stats
}

// ratio is macs/ips, or nil when no IP was seen.
func ratio(macs, ips float64) *float64 {
	if ips <= 0 {
		return nil
	}
	r := macs / ips
	return &r
}

// PeriodAverage is the average of a metric over the sampled buckets of one
// granularity.
type PeriodAverage struct {
	Granularity      Granularity   `json:"granularity"`
	Requested        int           `json:"requested"`
	Sampled          int           `json:"sampled"`
	Start            time.Time     `json:"start"`
	End              time.Time     `json:"end"`
	AvgUniqueMACs    float64       `json:"avg_unique_mac_addresses"`
	AvgUniqueIPs     float64       `json:"avg_unique_ip_addresses"`
	AvgRandomized    float64       `json:"avg_randomized_macs"`
	AvgWireless      float64       `json:"avg_wireless_clients"`
	AvgWired         float64       `json:"avg_wired_clients"`
	MACIPRatio       *float64      `json:"mac_ip_ratio"`
	InsufficientData bool          `json:"insufficient_data"`
	Details          []PeriodStats `json:"details"`
}

// MarshalJSON adds the granularity-specific sample count field
// (days_sampled, weeks_sampled or months_sampled).
func (p PeriodAverage) MarshalJSON() ([]byte, error) {
	type plain PeriodAverage
	raw, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	sampled, err := json.Marshal(p.Sampled)
	if err != nil {
		return nil, err
	}
	fields[p.Granularity.Unit()+"_sampled"] = sampled
	return json.Marshal(fields)
}

// Summarize averages the count most recent complete buckets of g at asOf. A
// bucket counts as sampled when it is complete and holds at least one
// observation; averages divide by the number of sampled buckets. With no
// sampled bucket the result is flagged InsufficientData and all averages are
// zero.
func Summarize(observations []core.Observation, g Granularity, count int, asOf time.Time, loc *time.Location) PeriodAverage {
	if loc == nil {
		loc = time.UTC
	}
	buckets := g.CompleteBuckets(count, asOf, loc)
	avg := PeriodAverage{
		Granularity: g,
		Requested:   count,
		Details:     []PeriodStats{},
	}
	if len(buckets) == 0 {
		avg.InsufficientData = true
		return avg
	}
	avg.Start = buckets[0].Start
	avg.End = buckets[len(buckets)-1].End

	sorted := make([]core.Observation, 0, len(observations))
	for _, o := range observations {
		if !o.LastSeen.Before(avg.Start) && o.LastSeen.Before(avg.End) {
			sorted = append(sorted, o)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LastSeen.Before(sorted[j].LastSeen) })

	var sumMACs, sumIPs, sumRandomized, sumWireless, sumWired float64
	lo := 0
	for _, b := range buckets {
		hi := lo
		for hi < len(sorted) && sorted[hi].LastSeen.Before(b.End) {
			hi++
		}
		stats := CountBucket(sorted[lo:hi], b)
		lo = hi
		if stats.Empty() || !b.Complete(asOf) {
			continue
		}
		stats.Label = g.Label(b)
		avg.Details = append(avg.Details, stats)

		sumMACs += float64(stats.UniqueMACs)
		sumIPs += float64(stats.UniqueIPs)
		sumRandomized += float64(stats.RandomizedMACs)
		sumWireless += float64(stats.Wireless)
		sumWired += float64(stats.Wired)
	}

	avg.Sampled = len(avg.Details)
	if avg.Sampled == 0 {
		avg.InsufficientData = true
		return avg
	}
	n := float64(avg.Sampled)
	avg.AvgUniqueMACs = sumMACs / n
	avg.AvgUniqueIPs = sumIPs / n
	avg.AvgRandomized = sumRandomized / n
	avg.AvgWireless = sumWireless / n
	avg.AvgWired = sumWired / n
	avg.MACIPRatio = ratio(avg.AvgUniqueMACs, avg.AvgUniqueIPs)
	return avg
}

// Metric selects the value Series reads from each bucket.
type Metric string

const (
	MetricUniqueMACs Metric = "unique_macs"
	MetricUniqueIPs  Metric = "unique_ips"
	MetricRandomized Metric = "randomized_macs"
	MetricWireless   Metric = "wireless_clients"
	MetricWired      Metric = "wired_clients"
)

// ParseMetric accepts one of the Metric names.
func ParseMetric(raw string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(raw))); m {
	case MetricUniqueMACs, MetricUniqueIPs, MetricRandomized, MetricWireless, MetricWired:
		return m, nil
	default:
		return "", fmt.Errorf("unknown metric %q", raw)
	}
}

func (m Metric) value(p PeriodStats) float64 {
	switch m {
	case MetricUniqueIPs:
		return float64(p.UniqueIPs)
	case MetricRandomized:
		return float64(p.RandomizedMACs)
	case MetricWireless:
		return float64(p.Wireless)
	case MetricWired:
		return float64(p.Wired)
	default:
		return float64(p.UniqueMACs)
	}
}

// Point is one value of a chart series.
type Point struct {
	Start time.Time `json:"start"`
	Label string    `json:"label"`
	Value float64   `json:"value"`
}

// Series returns metric for every sampled bucket of avg in ascending order.
func Series(avg PeriodAverage, metric Metric) []Point {
	out := make([]Point, 0, len(avg.Details))
	for _, d := range avg.Details {
		out = append(out, Point{Start: d.Start, Label: d.Label, Value: metric.value(d)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
