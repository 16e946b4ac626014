package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/jaswdr/faker"
	"github.com/lucsky/cuid"
)

var (
	simVehicleTypes = []string{"Car", "Car", "Car", "Bus", "Motorcycle", "Truck"}
	simDirections   = []string{"North", "South", "East", "West"}
)

// speed range per vehicle type, km/h
var simSpeedRange = map[string][2]int{
	"Car":        {20, 110},
	"Bus":        {15, 70},
	"Motorcycle": {25, 120},
	"Truck":      {15, 80},
}

// Simulator generates synthetic detections in the sheet's column layout.
type Simulator struct {
	fake  faker.Faker
	start time.Time
	step  time.Duration
	loc   *time.Location
	seq   int
}

// NewSimulator emits observations starting at start, spaced by step.
func NewSimulator(start time.Time, step time.Duration, loc *time.Location) *Simulator {
	if step <= 0 {
		step = 2 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Simulator{fake: faker.New(), start: start, step: step, loc: loc}
}

// Next returns one observation.
func (s *Simulator) Next() Observation {
	vt := s.fake.RandomStringElement(simVehicleTypes)
	rng := simSpeedRange[vt]
	speed := s.fake.Float64(1, rng[0], rng[1])
	at := s.start.Add(time.Duration(s.seq) * s.step).In(s.loc)
	s.seq++

	return Observation{
		ID:              cuid.New(),
		VehicleType:     vt,
		Direction:       s.fake.RandomStringElement(simDirections),
		SpeedKMH:        speed,
		Time:            at,
		RawTime:         at.Format("2006-01-02 15:04:05"),
		CongestionLevel: congestionFor(speed),
	}
}

// Generate returns n observations.
func (s *Simulator) Generate(n int) []Observation {
	out := make([]Observation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.Next())
	}
	return out
}

// congestionFor derives a level from the observed speed.
func congestionFor(speedKMH float64) string {
	switch {
	case speedKMH < 25:
		return "High"
	case speedKMH < 50:
		return "Medium"
	default:
		return "Low"
	}
}

// WriteCSV writes observations in sheet column order, with a header when header is true.
func WriteCSV(w io.Writer, obs []Observation, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(Columns); err != nil {
			return err
		}
	}
	for _, o := range obs {
		if err := cw.Write(o.Row()); err != nil {
			return fmt.Errorf("failed to write row %s: %w", o.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ObservationRows converts observations to raw sheet rows.
func ObservationRows(obs []Observation) [][]string {
	rows := make([][]string, 0, len(obs))
	for _, o := range obs {
		rows = append(rows, o.Row())
	}
	return rows
}
