package aggregate

import (
	"fmt"
	"time"

	"github.com/leozw/client-counter/internal/core"
)

// Randomization impact bands of the MAC/IP ratio.
const (
	ImpactMinimal     = "minimal"
	ImpactModerate    = "moderate"
	ImpactSignificant = "significant"
	ImpactUndefined   = "undefined"

	ModerateRatio    = 1.2
	SignificantRatio = 1.5
)

// MACAnalysis describes address randomization over a whole report range.
type MACAnalysis struct {
	TotalMACs            int      `json:"total_macs_seen"`
	TotalIPs             int      `json:"total_ips_seen"`
	RandomizedMACs       int      `json:"randomized_macs_detected"`
	RandomizedPercentage float64  `json:"randomized_percentage"`
	MACIPRatio           *float64 `json:"mac_ip_ratio"`
}

// AnalyzeRandomization counts distinct addresses, IPs and randomized
// addresses across observations.
func AnalyzeRandomization(observations []core.Observation) MACAnalysis {
	macs := make(map[string]struct{})
	ips := make(map[string]struct{})
	randomized := 0
	for _, o := range observations {
		mac := core.CanonicalMAC(o.Address)
		if mac != "" {
			if _, seen := macs[mac]; !seen {
				macs[mac] = struct{}{}
				if IsRandomizedMAC(mac) {
					randomized++
				}
			}
		}
		if o.IPAddress != nil && *o.IPAddress != "" {
			ips[*o.IPAddress] = struct{}{}
		}
	}

	a := MACAnalysis{
		TotalMACs:      len(macs),
		TotalIPs:       len(ips),
		RandomizedMACs: randomized,
		MACIPRatio:     ratio(float64(len(macs)), float64(len(ips))),
	}
	if a.TotalMACs > 0 {
		a.RandomizedPercentage = float64(randomized) / float64(a.TotalMACs) * 100
	}
	return a
}

// Impact bands a MAC/IP ratio: up to 1.2 minimal, up to 1.5 moderate, above
// that significant.
func Impact(r *float64) string {
	switch {
	case r == nil:
		return ImpactUndefined
	case *r > SignificantRatio:
		return ImpactSignificant
	case *r > ModerateRatio:
		return ImpactModerate
	default:
		return ImpactMinimal
	}
}

// Warnings produces the advisory lines attached to a report.
func Warnings(randomizedPercentage float64, r *float64) []string {
	var out []string
	if randomizedPercentage > 0 {
		out = append(out, fmt.Sprintf(
			"MAC randomization detected: %.1f%% of MAC addresses appear randomized (locally-administered bit heuristic, not proof)",
			randomizedPercentage))
	}
	switch {
	case r == nil:
		out = append(out, "MAC/IP ratio is undefined because no IP addresses were observed; IP visibility may be missing")
	case *r > ModerateRatio:
		out = append(out, fmt.Sprintf(
			"MAC/IP ratio is %.2f:1 (%s), suggesting MAC randomization is inflating counts", *r, Impact(r)))
		if *r > SignificantRatio {
			out = append(out, "Unique IP count may be more accurate for estimating physical device count")
		}
	}
	if len(out) == 0 {
		out = append(out, "Counts represent unique MAC addresses, not necessarily unique physical devices")
	}
	return out
}

// Report is the result of one report invocation.
type Report struct {
	OrganizationID   string         `json:"organization_id"`
	OrganizationName string         `json:"organization_name,omitempty"`
	TrackingMethod   string         `json:"tracking_method,omitempty"`
	GeneratedAt      time.Time      `json:"generated_at"`
	AsOf             time.Time      `json:"as_of"`
	Timezone         string         `json:"timezone"`
	Daily            *PeriodAverage `json:"daily,omitempty"`
	Weekly           *PeriodAverage `json:"weekly,omitempty"`
	Monthly          *PeriodAverage `json:"monthly,omitempty"`
	MACAnalysis      MACAnalysis    `json:"mac_randomization_analysis"`
	MACIPRatio       *float64       `json:"mac_ip_ratio"`
	Impact           string         `json:"randomization_impact"`
	Warnings         []string       `json:"warnings"`
}

// Averages lists the report's computed averages, finest granularity first.
func (r *Report) Averages() []*PeriodAverage {
	var out []*PeriodAverage
	for _, a := range []*PeriodAverage{r.Daily, r.Weekly, r.Monthly} {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// headlineRatio is the ratio of the finest granularity that has data, or the
// whole-range ratio when no granularity does.
func headlineRatio(averages []*PeriodAverage, analysis MACAnalysis) *float64 {
	for _, a := range averages {
		if !a.InsufficientData {
			return a.MACIPRatio
		}
	}
	return analysis.MACIPRatio
}
