package aggregate

import (
	"fmt"
	"strings"
	"time"
)

type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// ParseGranularity accepts singular, plural and adjective forms
// ("day", "days", "daily").
func ParseGranularity(raw string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "day", "days", "daily":
		return Day, nil
	case "week", "weeks", "weekly":
		return Week, nil
	case "month", "months", "monthly":
		return Month, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", raw)
	}
}

// Bucket is a half-open calendar period [Start, End).
type Bucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (b Bucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// Complete reports whether the bucket has fully elapsed at asOf.
func (b Bucket) Complete(asOf time.Time) bool {
	return !b.End.After(asOf)
}

// Floor returns the start of the bucket containing t, in loc. Weeks start on
// Sunday.
func (g Granularity) Floor(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch g {
	case Week:
		return day.AddDate(0, 0, -int(day.Weekday()))
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return day
	}
}

// Next returns the start of the bucket after the one starting at start.
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

func (g Granularity) prev(start time.Time) time.Time {
	switch g {
	case Week:
		return start.AddDate(0, 0, -7)
	case Month:
		return start.AddDate(0, -1, 0)
	default:
		return start.AddDate(0, 0, -1)
	}
}

// BucketOf returns the bucket containing t.
func (g Granularity) BucketOf(t time.Time, loc *time.Location) Bucket {
	start := g.Floor(t, loc)
	return Bucket{Start: start, End: g.Next(start)}
}

// CompleteBuckets returns the count most recent buckets that have fully
// elapsed at asOf, oldest first.
func (g Granularity) CompleteBuckets(count int, asOf time.Time, loc *time.Location) []Bucket {
	if count <= 0 {
		return nil
	}
	end := g.Floor(asOf, loc)
	out := make([]Bucket, count)
	for i := count - 1; i >= 0; i-- {
		start := g.prev(end)
		out[i] = Bucket{Start: start, End: end}
		end = start
	}
	return out
}

// Label names a bucket the way reports print it: 2024-03-05 for days,
// 2024-W09 for Sunday-start weeks, 2024-03 for months.
func (g Granularity) Label(b Bucket) string {
	switch g {
	case Week:
		yday := b.Start.YearDay() - 1
		week := (yday + 7 - int(b.Start.Weekday())) / 7
		return fmt.Sprintf("%d-W%02d", b.Start.Year(), week)
	case Month:
		return b.Start.Format("2006-01")
	default:
		return b.Start.Format("2006-01-02")
	}
}

// Unit is the plural noun used in result fields ("days", "weeks", "months").
func (g Granularity) Unit() string {
	return string(g) + "s"
}

// Adjective is "daily", "weekly" or "monthly".
func (g Granularity) Adjective() string {
	if g == Day {
		return "daily"
	}
	return string(g) + "ly"
}
