package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrNoData is returned when the source has no rows in range
var ErrNoData = errors.New("no data found")

// Source returns the current contents of the detection table as raw string rows.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([][]string, error)
}

// NewSource builds the source selected by cfg.Source.
func NewSource(ctx context.Context, cfg Config) (Source, error) {
	switch strings.ToLower(cfg.Source) {
	case "sheets", "":
		return NewSheetsSource(ctx, sheetsConfig(&cfg))
	case "csv":
		return NewCSVSource(cfg.CSVPath, cfg.CSVSkipHeader, cfg.FetchTimeout), nil
	case "postgres":
		return NewPostgresSource(ctx, cfg.PostgresDSN, cfg.PostgresTable)
	}
	return nil, fmt.Errorf("unknown source %q (must be 'sheets', 'csv' or 'postgres')", cfg.Source)
}

// CSVSource reads a local CSV file or a published CSV export URL.
type CSVSource struct {
	path       string
	skipHeader bool
	http       *http.Client
}

func NewCSVSource(path string, skipHeader bool, timeout time.Duration) *CSVSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CSVSource{
		path:       path,
		skipHeader: skipHeader,
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *CSVSource) Name() string { return "csv" }

func (c *CSVSource) Fetch(ctx context.Context) ([][]string, error) {
	var r io.ReadCloser
	if strings.HasPrefix(c.path, "http://") || strings.HasPrefix(c.path, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			return nil, fmt.Errorf("csv export fetch failed: %s: %s", resp.Status, strings.TrimSpace(string(rb)))
		}
		r = resp.Body
	} else {
		f, err := os.Open(c.path)
		if err != nil {
			return nil, err
		}
		r = f
	}
	defer r.Close()

	return readCSV(r, c.skipHeader)
}

// readCSV tolerates ragged rows; ParseRow pads or truncates them.
func readCSV(r io.Reader, skipHeader bool) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if skipHeader && len(rows) > 0 {
		rows = rows[1:]
	}
	return rows, nil
}
