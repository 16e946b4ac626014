package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Columns is the fixed positional layout of the detection sheet (range A:F).
var Columns = []string{"ID", "Vehicle Type", "Direction", "Speed (km/h)", "Current Time", "Congestion Level"}

// Observation is one vehicle detection row
type Observation struct {
	ID              string    `json:"id"`
	VehicleType     string    `json:"vehicle_type"`
	Direction       string    `json:"direction"`
	SpeedKMH        float64   `json:"speed_kmh"`
	Time            time.Time `json:"time"`
	CongestionLevel string    `json:"congestion_level"`

	// RawTime keeps the cell text so unparseable timestamps still show up in the table
	RawTime string `json:"raw_time"`
}

// HasTime reports whether the timestamp cell could be parsed
func (o Observation) HasTime() bool {
	return !o.Time.IsZero()
}

// Row renders the observation back into the sheet's column order.
func (o Observation) Row() []string {
	return []string{
		o.ID,
		o.VehicleType,
		o.Direction,
		strconv.FormatFloat(o.SpeedKMH, 'f', -1, 64),
		o.RawTime,
		o.CongestionLevel,
	}
}

// ParseResult is the cleaned output of one batch of raw rows
type ParseResult struct {
	Observations []Observation
	Rejected     int    // rows dropped by validation
	FirstReject  string // reason for the first dropped row, empty when none
}

var (
	errMissingID = errors.New("missing ID")
	errBadSpeed  = errors.New("invalid speed")
)

// DateOrder is how slash-separated dates in the sheet are read.
type DateOrder string

const (
	DateOrderMDY DateOrder = "mdy" // 05/01/2024 is May 1 (Sheets en-US)
	DateOrderDMY DateOrder = "dmy" // 05/01/2024 is January 5
)

// ParseDateOrder accepts mdy or dmy; empty means mdy.
func ParseDateOrder(s string) (DateOrder, error) {
	switch DateOrder(strings.ToLower(strings.TrimSpace(s))) {
	case "", DateOrderMDY:
		return DateOrderMDY, nil
	case DateOrderDMY:
		return DateOrderDMY, nil
	}
	return "", fmt.Errorf("invalid date order %q (must be 'mdy' or 'dmy')", s)
}

// isoLayouts are unambiguous and tried first.
var isoLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

var (
	mdyLayouts = []string{"1/2/2006 15:04:05", "1/2/2006 15:04", "1/2/2006"}
	dmyLayouts = []string{"2/1/2006 15:04:05", "2/1/2006 15:04", "2/1/2006"}
)

// TimeParser reads the timestamp column. The zero value is month-first in UTC.
type TimeParser struct {
	Location *time.Location // zone for values without an offset
	Order    DateOrder
}

// Parse tries the ISO layouts, then slash dates in the configured order only.
func (p TimeParser) Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	slash := mdyLayouts
	if p.Order == DateOrderDMY {
		slash = dmyLayouts
	}
	for _, layouts := range [][]string{isoLayouts, slash} {
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// ParseTime parses with month-first slash dates, interpreting zone-less values in loc.
func ParseTime(s string, loc *time.Location) (time.Time, bool) {
	return TimeParser{Location: loc}.Parse(s)
}

// ParseRow maps one positional row onto an Observation.
// Short rows are padded (the Sheets API drops trailing empty cells), extra cells are ignored.
func ParseRow(row []string, tp TimeParser) (Observation, error) {
	cells := make([]string, len(Columns))
	for i := 0; i < len(cells) && i < len(row); i++ {
		cells[i] = sanitizeShort(row[i], 128)
	}

	obs := Observation{
		ID:              cells[0],
		VehicleType:     cells[1],
		Direction:       cells[2],
		RawTime:         cells[4],
		CongestionLevel: cells[5],
	}
	if obs.ID == "" {
		return obs, errMissingID
	}

	speed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(cells[3], "km/h")), 64)
	if err != nil || speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return obs, fmt.Errorf("%w %q for row %s", errBadSpeed, cells[3], obs.ID)
	}
	obs.SpeedKMH = speed

	if t, ok := tp.Parse(cells[4]); ok {
		obs.Time = t
	}
	return obs, nil
}

// ParseRows cleans a batch of raw rows, keeping source order.
func ParseRows(rows [][]string, tp TimeParser) ParseResult {
	res := ParseResult{Observations: make([]Observation, 0, len(rows))}
	for _, row := range rows {
		if isBlankRow(row) {
			continue
		}
		obs, err := ParseRow(row, tp)
		if err != nil {
			res.Rejected++
			if res.FirstReject == "" {
				res.FirstReject = err.Error()
			}
			continue
		}
		res.Observations = append(res.Observations, obs)
	}
	return res
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// sanitizeShort trims a cell, strips line breaks and caps it at max bytes.
func sanitizeShort(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	if len(s) > max {
		// back off to a rune boundary
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
