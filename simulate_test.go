package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSimulatorGenerate(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	sim := NewSimulator(start, time.Minute, time.UTC)
	obs := sim.Generate(50)

	if len(obs) != 50 {
		t.Fatalf("generated %d, want 50", len(obs))
	}
	seen := make(map[string]bool)
	for i, o := range obs {
		if seen[o.ID] {
			t.Errorf("duplicate id %s", o.ID)
		}
		seen[o.ID] = true

		rng, ok := simSpeedRange[o.VehicleType]
		if !ok {
			t.Errorf("unexpected vehicle type %q", o.VehicleType)
			continue
		}
		if o.SpeedKMH < float64(rng[0]) || o.SpeedKMH > float64(rng[1]) {
			t.Errorf("%s speed %v outside %v", o.VehicleType, o.SpeedKMH, rng)
		}
		if want := start.Add(time.Duration(i) * time.Minute); !o.Time.Equal(want) {
			t.Errorf("row %d time = %v, want %v", i, o.Time, want)
		}
		if o.CongestionLevel != congestionFor(o.SpeedKMH) {
			t.Errorf("congestion %q does not match speed %v", o.CongestionLevel, o.SpeedKMH)
		}
	}
}

func TestCongestionFor(t *testing.T) {
	tests := []struct {
		speed float64
		want  string
	}{
		{10, "High"},
		{24.9, "High"},
		{25, "Medium"},
		{49.9, "Medium"},
		{50, "Low"},
		{120, "Low"},
	}
	for _, tt := range tests {
		if got := congestionFor(tt.speed); got != tt.want {
			t.Errorf("congestionFor(%v) = %s, want %s", tt.speed, got, tt.want)
		}
	}
}

func TestWriteCSVParsesBack(t *testing.T) {
	sim := NewSimulator(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 0, nil)
	obs := sim.Generate(10)

	var buf bytes.Buffer
	if err := WriteCSV(&buf, obs, true); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), strings.Join(Columns, ",")+"\n") {
		t.Errorf("missing header:\n%s", buf.String())
	}

	rows, err := readCSV(&buf, true)
	if err != nil {
		t.Fatal(err)
	}
	res := ParseRows(rows, TimeParser{Location: time.UTC})
	if len(res.Observations) != 10 || res.Rejected != 0 {
		t.Fatalf("parsed %d rows, %d rejected", len(res.Observations), res.Rejected)
	}
	for i, o := range res.Observations {
		if o.ID != obs[i].ID || o.SpeedKMH != obs[i].SpeedKMH || !o.Time.Equal(obs[i].Time) {
			t.Errorf("row %d = %+v, want %+v", i, o, obs[i])
		}
	}
	if got := ObservationRows(obs); len(got) != 10 || got[0][0] != obs[0].ID {
		t.Errorf("ObservationRows = %v", got)
	}
}
