package main

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// RenderSummary prints the KPI block and histograms of one view as plain text.
func RenderSummary(w io.Writer, d *DashboardData, now time.Time) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Real-Time Traffic Information\n")
	fmt.Fprintf(&b, "filter: vehicle type=%s, direction=%s\n", normalizeFacet(d.Filter.VehicleType), normalizeFacet(d.Filter.Direction))
	if !d.FetchedAt.IsZero() {
		fmt.Fprintf(&b, "fetched: %s (%s)\n", d.FetchedAt.Format(time.RFC3339), humanize.RelTime(d.FetchedAt, now, "ago", "from now"))
	}
	if d.Message != "" {
		fmt.Fprintf(&b, "status: %s (%s)\n", d.Status, d.Message)
	} else {
		fmt.Fprintf(&b, "status: %s\n", d.Status)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "  %-22s %s\n", "Average Speed", formatKPI(d.AverageSpeed, "km/h"))
	fmt.Fprintf(&b, "  %-22s %s\n", "Average Travel Time", formatKPI(d.AverageTravelTime, "min"))
	fmt.Fprintf(&b, "  %-22s %.4f km\n", "Segment Distance", d.SegmentDistance)
	fmt.Fprintf(&b, "  %-22s %s\n", "Total Vehicle Count", humanize.Comma(int64(d.TotalVehicles)))
	fmt.Fprintf(&b, "  %-22s %s / %s / %s\n", "Cars / Buses / Motos",
		humanize.Comma(int64(d.CarCount)), humanize.Comma(int64(d.BusCount)), humanize.Comma(int64(d.MotorcycleCount)))
	fmt.Fprintf(&b, "  %-22s %s of %s rows", "Sample", humanize.Comma(int64(d.SampleSize)), humanize.Comma(int64(d.TotalRows)))
	if d.Rejected > 0 {
		fmt.Fprintf(&b, " (%s rejected)", humanize.Comma(int64(d.Rejected)))
	}
	b.WriteString("\n")

	writeHistogram(&b, "Distribution of Directions", d.DirectionStats)
	writeHistogram(&b, "Distribution of Vehicle Types", d.TypeStats)

	if len(d.DailyStats) > 0 {
		fmt.Fprintf(&b, "\nVehicles per %s\n", d.Bucket)
		for _, s := range d.DailyStats {
			fmt.Fprintf(&b, "  %-18s %8s  %6.2f km/h\n", s.Date, humanize.Comma(int64(s.Count)), s.AverageSpeed)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeHistogram(b *strings.Builder, title string, stats []CategoryCount) {
	if len(stats) == 0 {
		return
	}
	max := 0
	for _, s := range stats {
		if s.Count > max {
			max = s.Count
		}
	}
	fmt.Fprintf(b, "\n%s\n", title)
	for _, s := range stats {
		width := 0
		if max > 0 {
			width = s.Count * 30 / max
		}
		fmt.Fprintf(b, "  %-14s %-30s %s\n", s.Value, strings.Repeat("#", width), humanize.Comma(int64(s.Count)))
	}
}

func formatKPI(v *float64, unit string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f %s", *v, unit)
}

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"kpi":   formatKPI,
	"comma": func(n int) string { return humanize.Comma(int64(n)) },
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("2006-01-02 15:04:05")
	},
}).ParseFS(publicFS, "public/templates/report.html"))

// RenderReport writes a self-contained HTML page for one view.
func RenderReport(w io.Writer, d *DashboardData) error {
	return reportTemplate.Execute(w, d)
}
