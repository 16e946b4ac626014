package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const defaultBackfillBatch = 500

// RowAppender appends raw rows to the configured sheet range.
type RowAppender interface {
	Append(ctx context.Context, rows [][]string) error
}

// BackfillOptions controls an import of a CSV export into the sheet
type BackfillOptions struct {
	File       string
	SkipHeader bool
	BatchSize  int
	MaxRetries int
	From       time.Time // zero means no lower bound
	Until      time.Time // zero means no upper bound
	DryRun     bool
	Location   *time.Location
	DateOrder  DateOrder
	Progress   io.Writer // nil disables the bar
}

// BackfillResult summarizes an import
type BackfillResult struct {
	Total    int
	Imported int
	Invalid  int // failed row validation
	Filtered int // outside the date window
	Failed   int // rows in batches that could not be written
	Duration time.Duration
}

// Backfill validates every row of opts.File and appends the good ones in batches.
func Backfill(ctx context.Context, dst RowAppender, opts BackfillOptions) (BackfillResult, error) {
	start := time.Now()
	var res BackfillResult

	f, err := os.Open(opts.File)
	if err != nil {
		return res, fmt.Errorf("failed to open %s: %w", opts.File, err)
	}
	defer f.Close()

	rows, err := readCSV(f, opts.SkipHeader)
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", opts.File, err)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBackfillBatch
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	accepted := selectBackfillRows(rows, opts, &res)

	var bar *progressbar.ProgressBar
	if opts.Progress != nil && len(accepted) > 0 {
		bar = progressbar.NewOptions(len(accepted),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("Appending rows"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
		)
	}

	for i := 0; i < len(accepted); i += opts.BatchSize {
		end := i + opts.BatchSize
		if end > len(accepted) {
			end = len(accepted)
		}
		batch := accepted[i:end]

		if !opts.DryRun {
			if err := appendWithRetry(ctx, dst, batch, opts.MaxRetries); err != nil {
				if ctx.Err() != nil {
					res.Duration = time.Since(start)
					return res, ctx.Err()
				}
				res.Failed += len(batch)
				if bar != nil {
					bar.Add(len(batch))
				}
				continue
			}
		}
		res.Imported += len(batch)
		if bar != nil {
			bar.Add(len(batch))
		}
	}
	if bar != nil {
		bar.Finish()
	}

	res.Duration = time.Since(start)
	return res, nil
}

// selectBackfillRows drops blank rows, invalid rows and rows outside the date window.
func selectBackfillRows(rows [][]string, opts BackfillOptions, res *BackfillResult) [][]string {
	var accepted [][]string
	for _, row := range rows {
		if isBlankRow(row) {
			continue
		}
		res.Total++
		obs, err := ParseRow(row, TimeParser{Location: opts.Location, Order: opts.DateOrder})
		if err != nil {
			res.Invalid++
			continue
		}
		if !opts.From.IsZero() || !opts.Until.IsZero() {
			if !obs.HasTime() ||
				(!opts.From.IsZero() && obs.Time.Before(opts.From)) ||
				(!opts.Until.IsZero() && obs.Time.After(opts.Until)) {
				res.Filtered++
				continue
			}
		}
		accepted = append(accepted, obs.Row())
	}
	return accepted
}

func appendWithRetry(ctx context.Context, dst RowAppender, batch [][]string, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = dst.Append(ctx, batch); err == nil {
			return nil
		}
		if i == maxRetries-1 {
			break
		}
		if !sleepCtx(ctx, time.Duration(i+1)*500*time.Millisecond) {
			return ctx.Err()
		}
	}
	return err
}

// parseDateFlag accepts YYYY-MM-DD; endOfDay moves the bound to the last second of that day.
func parseDateFlag(s string, endOfDay bool, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "calculating..."
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
