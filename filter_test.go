package main

import (
	"net/url"
	"reflect"
	"testing"
)

func sampleObservations() []Observation {
	return []Observation{
		{ID: "1", VehicleType: "Car", Direction: "North", SpeedKMH: 40},
		{ID: "2", VehicleType: "Bus", Direction: "South", SpeedKMH: 30},
		{ID: "3", VehicleType: "Car", Direction: "South", SpeedKMH: 50},
		{ID: "4", VehicleType: "car", Direction: "North", SpeedKMH: 60},
		{ID: "5", VehicleType: "Motorcycle", Direction: "East", SpeedKMH: 80},
	}
}

func ids(obs []Observation) []string {
	out := make([]string, 0, len(obs))
	for _, o := range obs {
		out = append(out, o.ID)
	}
	return out
}

func TestFilterApply(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{VehicleType: AllOption, Direction: AllOption}, []string{"1", "2", "3", "4", "5"}},
		{"zero value is all", Filter{}, []string{"1", "2", "3", "4", "5"}},
		{"vehicle type only", Filter{VehicleType: "Car", Direction: AllOption}, []string{"1", "3"}},
		{"case sensitive", Filter{VehicleType: "car", Direction: AllOption}, []string{"4"}},
		{"direction only", Filter{VehicleType: AllOption, Direction: "South"}, []string{"2", "3"}},
		{"both", Filter{VehicleType: "Car", Direction: "South"}, []string{"3"}},
		{"no match", Filter{VehicleType: "Truck", Direction: AllOption}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(tt.filter.Apply(sampleObservations()))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFilter(t *testing.T) {
	f := ParseFilter(url.Values{"vehicle_type": {" Bus "}})
	if f.VehicleType != "Bus" || f.Direction != AllOption {
		t.Errorf("unexpected filter %+v", f)
	}
	if !ParseFilter(url.Values{}).IsAll() {
		t.Error("empty query should select everything")
	}
}

func TestFilterKey(t *testing.T) {
	a := Filter{VehicleType: "Car", Direction: "North:East"}
	b := Filter{VehicleType: "Car:North", Direction: "East"}
	if a.Key() == b.Key() {
		t.Errorf("keys collide: %q", a.Key())
	}
	if (Filter{}).Key() != (Filter{VehicleType: AllOption, Direction: AllOption}).Key() {
		t.Error("zero filter and explicit All should share a key")
	}
}

func TestBuildFacets(t *testing.T) {
	obs := append(sampleObservations(), Observation{ID: "6", VehicleType: "", Direction: "West"})
	f := BuildFacets(obs)

	wantTypes := []string{AllOption, "Car", "Bus", "car", "Motorcycle"}
	if !reflect.DeepEqual(f.VehicleTypes, wantTypes) {
		t.Errorf("vehicle types = %v, want %v", f.VehicleTypes, wantTypes)
	}
	wantDirs := []string{AllOption, "North", "South", "East", "West"}
	if !reflect.DeepEqual(f.Directions, wantDirs) {
		t.Errorf("directions = %v, want %v", f.Directions, wantDirs)
	}

	empty := BuildFacets(nil)
	if !reflect.DeepEqual(empty.VehicleTypes, []string{AllOption}) {
		t.Errorf("expected only All for no data, got %v", empty.VehicleTypes)
	}
}
