package main

import (
	"sort"
	"strings"
	"time"
)

// DefaultSegmentDistanceKM is the length of the monitored road segment
const DefaultSegmentDistanceKM = 1.47

// recentRecordsLimit caps the records table on the dashboard
const recentRecordsLimit = 100

// DashboardData holds aggregated statistics for the dashboard
type DashboardData struct {
	Version   uint64    `json:"version"` // snapshot version the view was computed from
	FetchedAt time.Time `json:"fetched_at"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Filter    Filter    `json:"filter"`
	Facets    Facets    `json:"facets"`

	// KPIs
	AverageSpeed      *float64 `json:"average_speed"`       // km/h, null when there is nothing to average
	AverageTravelTime *float64 `json:"average_travel_time"` // minutes over the segment
	SegmentDistance   float64  `json:"segment_distance"`    // km
	TotalVehicles     int      `json:"total_vehicles"`
	CarCount          int      `json:"car_count"`
	BusCount          int      `json:"bus_count"`
	MotorcycleCount   int      `json:"motorcycle_count"`

	DirectionStats  []CategoryCount `json:"direction_stats"`
	TypeStats       []CategoryCount `json:"type_stats"`
	CongestionStats []CategoryCount `json:"congestion_stats"`
	Bucket          string          `json:"bucket"`
	DailyStats      []DailyStat     `json:"daily_stats"`
	RecentRecords   []Observation   `json:"recent_records"`
	SampleSize      int             `json:"sample_size"` // rows after filtering
	TotalRows       int             `json:"total_rows"`  // rows in the snapshot
	Rejected        int             `json:"rejected"`
}

// CategoryCount is one histogram bar
type CategoryCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// DailyStat is one bucket of the bar+line chart
type DailyStat struct {
	Date         string  `json:"date"`
	Count        int     `json:"count"`
	AverageSpeed float64 `json:"average_speed"`
}

// Time buckets for the series chart
const (
	BucketDay  = "day"
	BucketHour = "hour"
)

// ParseBucket falls back to daily buckets for anything unknown.
func ParseBucket(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), BucketHour) {
		return BucketHour
	}
	return BucketDay
}

// Aggregator computes dashboard views from observations.
type Aggregator struct {
	SegmentDistance float64
	Location        *time.Location
}

// NewAggregator uses the default segment length when distance is not positive.
func NewAggregator(distance float64, loc *time.Location) *Aggregator {
	if distance <= 0 {
		distance = DefaultSegmentDistanceKM
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{SegmentDistance: distance, Location: loc}
}

// Build filters the snapshot and aggregates the matching rows.
func (a *Aggregator) Build(snap *Snapshot, f Filter, bucket string) *DashboardData {
	data := &DashboardData{
		Filter:          f,
		SegmentDistance: a.SegmentDistance,
		Bucket:          ParseBucket(bucket),
	}
	if snap == nil {
		data.Status = string(StatusPending)
		data.Facets = BuildFacets(nil)
		data.DirectionStats = []CategoryCount{}
		data.TypeStats = []CategoryCount{}
		data.CongestionStats = []CategoryCount{}
		data.DailyStats = []DailyStat{}
		data.RecentRecords = []Observation{}
		return data
	}

	data.Version = snap.Version
	data.FetchedAt = snap.FetchedAt
	data.Status = string(snap.Status)
	data.Message = snap.Message()
	data.Facets = BuildFacets(snap.Observations)
	data.TotalRows = len(snap.Observations)
	data.Rejected = snap.Rejected

	rows := f.Apply(snap.Observations)
	a.fill(data, rows)
	return data
}

func (a *Aggregator) fill(data *DashboardData, rows []Observation) {
	data.SampleSize = len(rows)

	var speedSum float64
	directions := newCounter()
	types := newCounter()
	congestion := newCounter()

	for _, r := range rows {
		speedSum += r.SpeedKMH

		if r.VehicleType != "" {
			data.TotalVehicles++
		}
		switch strings.ToLower(r.VehicleType) {
		case "car":
			data.CarCount++
		case "bus":
			data.BusCount++
		case "motorcycle":
			data.MotorcycleCount++
		}

		directions.add(r.Direction)
		types.add(r.VehicleType)
		congestion.add(r.CongestionLevel)
	}

	if len(rows) > 0 {
		avg := speedSum / float64(len(rows))
		data.AverageSpeed = &avg
		if tt, ok := TravelTimeMinutes(a.SegmentDistance, avg); ok {
			data.AverageTravelTime = &tt
		}
	}

	data.DirectionStats = directions.result()
	data.TypeStats = types.result()
	data.CongestionStats = congestion.result()
	data.DailyStats = a.buildDailyStats(rows, data.Bucket)

	recent := rows
	if len(recent) > recentRecordsLimit {
		recent = recent[len(recent)-recentRecordsLimit:]
	}
	data.RecentRecords = append([]Observation{}, recent...)
}

// TravelTimeMinutes is distance / speed expressed in minutes.
func TravelTimeMinutes(distanceKM, speedKMH float64) (float64, bool) {
	if speedKMH <= 0 {
		return 0, false
	}
	return distanceKM / speedKMH * 60, true
}

// buildDailyStats groups rows by time bucket, ascending. Rows without a timestamp are skipped.
func (a *Aggregator) buildDailyStats(rows []Observation, bucket string) []DailyStat {
	layout := "2006-01-02"
	if bucket == BucketHour {
		layout = "2006-01-02 15:00"
	}

	counts := make(map[string]int)
	speeds := make(map[string]float64)
	for _, r := range rows {
		if !r.HasTime() {
			continue
		}
		key := r.Time.In(a.Location).Format(layout)
		counts[key]++
		speeds[key] += r.SpeedKMH
	}

	result := make([]DailyStat, 0, len(counts))
	for date, n := range counts {
		result = append(result, DailyStat{
			Date:         date,
			Count:        n,
			AverageSpeed: speeds[date] / float64(n),
		})
	}
	// the layouts sort lexically in time order
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result
}

// counter keeps first-appearance order, like a histogram over a category column.
type counter struct {
	order  []string
	counts map[string]int
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int)}
}

func (c *counter) add(v string) {
	if v == "" {
		return
	}
	if _, ok := c.counts[v]; !ok {
		c.order = append(c.order, v)
	}
	c.counts[v]++
}

func (c *counter) result() []CategoryCount {
	out := make([]CategoryCount, 0, len(c.order))
	for _, v := range c.order {
		out = append(out, CategoryCount{Value: v, Count: c.counts[v]})
	}
	return out
}
