package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// DefaultSheetRange skips the header row of the first worksheet
const DefaultSheetRange = "sheet1!A2:F"

// SheetsConfig identifies the spreadsheet and how to authenticate
type SheetsConfig struct {
	CredentialsFile string // service account JSON
	SpreadsheetID   string
	Range           string
	Endpoint        string // overrides the API base URL; unauthenticated when set
}

// SheetsSource reads a fixed range through the Sheets v4 values API.
type SheetsSource struct {
	svc           *sheets.Service
	spreadsheetID string
	rng           string
}

func NewSheetsSource(ctx context.Context, cfg SheetsConfig) (*SheetsSource, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if cfg.Range == "" {
		cfg.Range = DefaultSheetRange
	}
	svc, err := newSheetsService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SheetsSource{svc: svc, spreadsheetID: cfg.SpreadsheetID, rng: cfg.Range}, nil
}

func newSheetsService(ctx context.Context, cfg SheetsConfig) (*sheets.Service, error) {
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(sheets.SpreadsheetsScope))
	default:
		return nil, errors.New("missing sheets credentials file")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}
	return svc, nil
}

func (s *SheetsSource) Name() string { return "sheets" }

// Fetch returns the range's rows as strings. An empty range is ErrNoData.
func (s *SheetsSource) Fetch(ctx context.Context) ([][]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets values.get %s: %w", s.rng, err)
	}
	if len(resp.Values) == 0 {
		return nil, ErrNoData
	}
	return stringifyRows(resp.Values), nil
}

func stringifyRows(values [][]interface{}) [][]string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		row := make([]string, len(v))
		for i, cell := range v {
			if cell == nil {
				continue
			}
			row[i] = strings.TrimSpace(fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}
	return rows
}

// SheetWriter appends rows below the existing data of a range.
type SheetWriter struct {
	svc           *sheets.Service
	spreadsheetID string
	rng           string
}

func NewSheetWriter(ctx context.Context, cfg SheetsConfig) (*SheetWriter, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if cfg.Range == "" {
		cfg.Range = DefaultSheetRange
	}
	svc, err := newSheetsService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SheetWriter{svc: svc, spreadsheetID: cfg.SpreadsheetID, rng: cfg.Range}, nil
}

// Append writes the rows as user-entered values so numbers and dates keep their types.
func (w *SheetWriter) Append(ctx context.Context, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = make([]interface{}, len(row))
		for j, cell := range row {
			values[i][j] = cell
		}
	}
	_, err := w.svc.Spreadsheets.Values.Append(w.spreadsheetID, w.rng, &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets values.append %s: %w", w.rng, err)
	}
	return nil
}
