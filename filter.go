package main

import (
	"net/url"
	"strings"
)

// AllOption is the select-box value that disables a facet predicate.
const AllOption = "All"

// Filter holds the two sidebar selections
type Filter struct {
	VehicleType string `json:"vehicle_type"`
	Direction   string `json:"direction"`
}

// ParseFilter reads vehicle_type and direction from a query string.
func ParseFilter(q url.Values) Filter {
	return Filter{
		VehicleType: normalizeFacet(q.Get("vehicle_type")),
		Direction:   normalizeFacet(q.Get("direction")),
	}
}

func normalizeFacet(v string) string {
	v = sanitizeShort(v, 128)
	if v == "" {
		return AllOption
	}
	return v
}

// IsAll reports whether neither predicate is active
func (f Filter) IsAll() bool {
	return isAll(f.VehicleType) && isAll(f.Direction)
}

// Key is a stable cache key fragment for the selection.
func (f Filter) Key() string {
	return url.QueryEscape(normalizeFacet(f.VehicleType)) + ":" + url.QueryEscape(normalizeFacet(f.Direction))
}

// Match applies both equality predicates. Comparison is exact.
func (f Filter) Match(o Observation) bool {
	if !isAll(f.VehicleType) && o.VehicleType != f.VehicleType {
		return false
	}
	if !isAll(f.Direction) && o.Direction != f.Direction {
		return false
	}
	return true
}

// Apply returns the matching observations in source order.
func (f Filter) Apply(obs []Observation) []Observation {
	if f.IsAll() {
		return obs
	}
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if f.Match(o) {
			out = append(out, o)
		}
	}
	return out
}

func isAll(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == AllOption
}

// Facets lists the selectable values for each sidebar box, "All" first.
type Facets struct {
	VehicleTypes []string `json:"vehicle_types"`
	Directions   []string `json:"directions"`
}

// BuildFacets collects distinct values in order of first appearance.
// It must be given the unfiltered snapshot so options don't disappear after selecting one.
func BuildFacets(obs []Observation) Facets {
	return Facets{
		VehicleTypes: uniqueWithAll(obs, func(o Observation) string { return o.VehicleType }),
		Directions:   uniqueWithAll(obs, func(o Observation) string { return o.Direction }),
	}
}

func uniqueWithAll(obs []Observation, field func(Observation) string) []string {
	seen := map[string]bool{}
	out := []string{AllOption}
	for _, o := range obs {
		v := field(o)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
