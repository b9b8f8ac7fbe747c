package aggregate

import (
	"time"

	"github.com/leozw/client-counter/internal/core"
)

// HourStats counts the devices last seen within one clock hour.
type HourStats struct {
	Hour       int       `json:"hour"`
	Start      time.Time `json:"start"`
	UniqueMACs int       `json:"unique_macs"`
	UniqueIPs  int       `json:"unique_ips"`
	Wireless   int       `json:"wireless_clients"`
	Wired      int       `json:"wired_clients"`
}

// Hourly splits the day starting at day (in loc) into clock hours and counts
// each one like a bucket. DST transition days yield 23 or 25 entries.
func Hourly(observations []core.Observation, day time.Time, loc *time.Location) []HourStats {
	if loc == nil {
		loc = time.UTC
	}
	start := Day.Floor(day, loc)
	end := Day.Next(start)

	var out []HourStats
	for h := start; h.Before(end); h = h.Add(time.Hour) {
		b := Bucket{Start: h, End: h.Add(time.Hour)}
		stats := CountBucket(observations, b)
		out = append(out, HourStats{
			Hour:       h.In(loc).Hour(),
			Start:      h,
			UniqueMACs: stats.UniqueMACs,
			UniqueIPs:  stats.UniqueIPs,
			Wireless:   stats.Wireless,
			Wired:      stats.Wired,
		})
	}
	return out
}

// HourAverage is the mean hourly count for one hour of the day.
type HourAverage struct {
	Hour          int     `json:"hour"`
	AvgUniqueMACs float64 `json:"avg_unique_macs"`
	AvgUniqueIPs  float64 `json:"avg_unique_ips"`
}

// PeakHours summarizes activity by hour of day across whole days.
type PeakHours struct {
	Days         int           `json:"days"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Hours        []HourAverage `json:"hours"`
	PeakHour     int           `json:"peak_hour"`
	QuietestHour int           `json:"quietest_hour"`
}

// AnalyzePeakHours averages hourly counts over the last days complete days at
// asOf.
func AnalyzePeakHours(observations []core.Observation, days int, asOf time.Time, loc *time.Location) PeakHours {
	if loc == nil {
		loc = time.UTC
	}
	result := PeakHours{Days: days, Hours: make([]HourAverage, 24)}
	buckets := Day.CompleteBuckets(days, asOf, loc)
	if len(buckets) == 0 {
		return result
	}
	result.Start = buckets[0].Start
	result.End = buckets[len(buckets)-1].End

	var sumMACs, sumIPs [24]float64
	var samples [24]int
	for _, b := range buckets {
		for _, h := range Hourly(observations, b.Start, loc) {
			sumMACs[h.Hour] += float64(h.UniqueMACs)
			sumIPs[h.Hour] += float64(h.UniqueIPs)
			samples[h.Hour]++
		}
	}

	for hour := range result.Hours {
		avg := HourAverage{Hour: hour}
		if samples[hour] > 0 {
			avg.AvgUniqueMACs = sumMACs[hour] / float64(samples[hour])
			avg.AvgUniqueIPs = sumIPs[hour] / float64(samples[hour])
		}
		result.Hours[hour] = avg
		if avg.AvgUniqueMACs > result.Hours[result.PeakHour].AvgUniqueMACs {
			result.PeakHour = hour
		}
		if avg.AvgUniqueMACs < result.Hours[result.QuietestHour].AvgUniqueMACs {
			result.QuietestHour = hour
		}
	}
	return result
}
