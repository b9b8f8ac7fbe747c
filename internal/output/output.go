package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/leozw/client-counter/internal/aggregate"
	"github.com/leozw/client-counter/internal/store"
)

type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
)

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatConsole, FormatJSON, FormatCSV:
		return f, nil
	case "":
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use console, json or csv)", raw)
	}
}

// Options tune console rendering.
type Options struct {
	ShowDetails     bool
	ShowMACAnalysis bool
}

// WriteReport renders report in format.
func WriteReport(w io.Writer, report *aggregate.Report, format Format, opts Options) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, report)
	case FormatCSV:
		return writeReportCSV(w, report)
	default:
		return writeReportConsole(w, report, opts)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatRatio(r *float64) string {
	if r == nil {
		return "undefined"
	}
	return formatFloat(*r) + ":1"
}

func averageCell(a *aggregate.PeriodAverage, value func(*aggregate.PeriodAverage) float64) string {
	if a == nil {
		return "-"
	}
	if a.InsufficientData {
		return "n/a"
	}
	return formatFloat(value(a))
}

type averageRow struct {
	name  string
	value func(*aggregate.PeriodAverage) float64
}

var averageRows = []averageRow{
	{"Unique MAC addresses", func(a *aggregate.PeriodAverage) float64 { return a.AvgUniqueMACs }},
	{"Unique IP addresses", func(a *aggregate.PeriodAverage) float64 { return a.AvgUniqueIPs }},
	{"Randomized MACs", func(a *aggregate.PeriodAverage) float64 { return a.AvgRandomized }},
	{"Wireless clients", func(a *aggregate.PeriodAverage) float64 { return a.AvgWireless }},
	{"Wired clients", func(a *aggregate.PeriodAverage) float64 { return a.AvgWired }},
}

func writeReportConsole(w io.Writer, report *aggregate.Report, opts Options) error {
	var b strings.Builder

	name := report.OrganizationName
	if name == "" {
		name = report.OrganizationID
	}
	fmt.Fprintf(&b, "Client report for %s\n", name)
	fmt.Fprintf(&b, "Generated %s, as of %s (%s)\n",
		report.GeneratedAt.Format(time.RFC3339), report.AsOf.Format(time.RFC3339), report.Timezone)
	if report.TrackingMethod != "" {
		fmt.Fprintf(&b, "Client tracking method: %s\n", report.TrackingMethod)
	}
	b.WriteString("\n")

	averages := report.Averages()
	tw := table.NewWriter()
	tw.SetTitle("Average unique clients")
	tw.SetStyle(table.StyleLight)
	header := table.Row{"Metric"}
	for _, a := range averages {
		header = append(header, title(a.Granularity.Adjective()))
	}
	tw.AppendHeader(header)
	for _, r := range averageRows {
		row := table.Row{r.name}
		for _, a := range averages {
			row = append(row, averageCell(a, r.value))
		}
		tw.AppendRow(row)
	}
	ratioRow := table.Row{"MAC/IP ratio"}
	sampledRow := table.Row{"Periods sampled"}
	for _, a := range averages {
		ratioRow = append(ratioRow, formatRatio(a.MACIPRatio))
		sampledRow = append(sampledRow, fmt.Sprintf("%d of %d %s", a.Sampled, a.Requested, a.Granularity.Unit()))
	}
	tw.AppendSeparator()
	tw.AppendRow(ratioRow)
	tw.AppendRow(sampledRow)
	b.WriteString(tw.Render())
	b.WriteString("\n")

	for _, a := range averages {
		if a.InsufficientData {
			fmt.Fprintf(&b, "Insufficient data: no complete %s with observations in the last %d %s.\n",
				string(a.Granularity), a.Requested, a.Granularity.Unit())
		}
	}

	if opts.ShowDetails {
		for _, a := range averages {
			if len(a.Details) == 0 {
				continue
			}
			b.WriteString("\n")
			b.WriteString(detailsTable(a).Render())
			b.WriteString("\n")
		}
	}

	if opts.ShowMACAnalysis {
		m := report.MACAnalysis
		tw := table.NewWriter()
		tw.SetTitle("MAC randomization analysis")
		tw.SetStyle(table.StyleLight)
		tw.AppendRows([]table.Row{
			{"Total MACs seen", m.TotalMACs},
			{"Total IPs seen", m.TotalIPs},
			{"Randomized MACs detected", m.RandomizedMACs},
			{"Randomized percentage", formatFloat(m.RandomizedPercentage) + "%"},
			{"MAC/IP ratio", formatRatio(report.MACIPRatio)},
			{"Impact", strings.ToUpper(report.Impact)},
		})
		b.WriteString("\n")
		b.WriteString(tw.Render())
		b.WriteString("\n")
	}

	if len(report.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range report.Warnings {
			fmt.Fprintf(&b, "  ! %s\n", warning)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func detailsTable(a *aggregate.PeriodAverage) table.Writer {
	tw := table.NewWriter()
	tw.SetTitle(title(a.Granularity.Adjective()) + " details")
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Period", "MACs", "IPs", "Randomized", "Wireless", "Wired", "MAC/IP"})
	for _, d := range a.Details {
		tw.AppendRow(table.Row{d.Label, d.UniqueMACs, d.UniqueIPs, d.RandomizedMACs, d.Wireless, d.Wired, formatRatio(d.MACIPRatio)})
	}
	return tw
}

// writeReportCSV emits metric,value rows grouped under section header rows.
func writeReportCSV(w io.Writer, report *aggregate.Report) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"Metric", "Value"},
		{"Organization ID", report.OrganizationID},
		{"Organization Name", report.OrganizationName},
		{"Tracking Method", report.TrackingMethod},
		{"Generated At", report.GeneratedAt.Format(time.RFC3339)},
		{"As Of", report.AsOf.Format(time.RFC3339)},
		{"Timezone", report.Timezone},
	}
	for _, a := range report.Averages() {
		heading := title(a.Granularity.Adjective())
		rows = append(rows, []string{})
		rows = append(rows, []string{heading + " Averages", ""})
		if a.InsufficientData {
			rows = append(rows, []string{"Insufficient Data", "true"})
		}
		for _, r := range averageRows {
			rows = append(rows, []string{r.name, averageCell(a, r.value)})
		}
		rows = append(rows,
			[]string{"MAC/IP Ratio", formatRatio(a.MACIPRatio)},
			[]string{title(a.Granularity.Unit()) + " Sampled", strconv.Itoa(a.Sampled)},
		)
	}

	m := report.MACAnalysis
	rows = append(rows,
		[]string{},
		[]string{"MAC Randomization Analysis", ""},
		[]string{"Total MACs Seen", strconv.Itoa(m.TotalMACs)},
		[]string{"Total IPs Seen", strconv.Itoa(m.TotalIPs)},
		[]string{"Randomized MACs Detected", strconv.Itoa(m.RandomizedMACs)},
		[]string{"Randomized Percentage", formatFloat(m.RandomizedPercentage)},
		[]string{"MAC/IP Ratio", formatRatio(report.MACIPRatio)},
		[]string{"Impact", report.Impact},
		[]string{},
		[]string{"Warnings", ""},
	)
	for _, warning := range report.Warnings {
		rows = append(rows, []string{"Warning", warning})
	}

	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSeries renders a chart series.
func WriteSeries(w io.Writer, g aggregate.Granularity, metric aggregate.Metric, points []aggregate.Point, format Format) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, map[string]any{
			"granularity": g,
			"metric":      metric,
			"points":      points,
		})
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"start", "label", string(metric)}); err != nil {
			return err
		}
		for _, p := range points {
			if err := cw.Write([]string{p.Start.Format(time.RFC3339), p.Label, formatFloat(p.Value)}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		tw := table.NewWriter()
		tw.SetTitle(fmt.Sprintf("%s %s", g.Adjective(), metric))
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Period", "Start", "Value"})
		for _, p := range points {
			tw.AppendRow(table.Row{p.Label, p.Start.Format(time.RFC3339), formatFloat(p.Value)})
		}
		_, err := io.WriteString(w, tw.Render()+"\n")
		return err
	}
}

// WriteStats renders the store summary and recent collection runs.
func WriteStats(w io.Writer, stats *store.Stats, runs []store.CollectionRun, format Format) error {
	if format == FormatJSON {
		return writeJSON(w, map[string]any{"database": stats, "collection_runs": runs})
	}

	optTime := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Format(time.RFC3339)
	}

	if format == FormatCSV {
		cw := csv.NewWriter(w)
		rows := [][]string{
			{"Metric", "Value"},
			{"Total Records", strconv.FormatInt(stats.RecordCount, 10)},
			{"Unique MAC Addresses", strconv.FormatInt(stats.UniqueAddresses, 10)},
			{"Networks", strconv.FormatInt(stats.Networks, 10)},
			{"Organizations", strings.Join(stats.Organizations, ";")},
			{"Earliest", optTime(stats.Earliest)},
			{"Latest", optTime(stats.Latest)},
			{"Collection Runs", strconv.FormatInt(stats.CollectionRuns, 10)},
		}
		for _, row := range rows {
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	tw := table.NewWriter()
	tw.SetTitle("Database statistics")
	tw.SetStyle(table.StyleLight)
	tw.AppendRows([]table.Row{
		{"Total records", stats.RecordCount},
		{"Unique MAC addresses", stats.UniqueAddresses},
		{"Networks", stats.Networks},
		{"Organizations", strings.Join(stats.Organizations, ", ")},
		{"Earliest observation", optTime(stats.Earliest)},
		{"Latest observation", optTime(stats.Latest)},
		{"Collection runs", stats.CollectionRuns},
	})
	out := tw.Render() + "\n"

	if len(runs) > 0 {
		rt := table.NewWriter()
		rt.SetTitle("Recent collection runs")
		rt.SetStyle(table.StyleLight)
		rt.AppendHeader(table.Row{"Started", "Organization", "Window", "Fetched", "Inserted", "Duplicates", "Status"})
		for _, r := range runs {
			rt.AppendRow(table.Row{
				r.StartedAt.Format(time.RFC3339),
				r.OrganizationID,
				r.WindowEnd.Sub(r.WindowStart).Round(time.Minute).String(),
				r.Fetched, r.Inserted, r.Duplicates, r.Status,
			})
		}
		out += "\n" + rt.Render() + "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}
