package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := NewViper()

	rootCmd := &cobra.Command{
		Use:           "traffic-service",
		Short:         "Live traffic dashboard over a spreadsheet of vehicle detections",
		Long:          `traffic-service polls a Google Sheet (or CSV export, or Postgres table) of vehicle detections, aggregates speed and count KPIs, and serves them as a live dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("source", "sheets", "data source: sheets, csv or postgres")
	rootCmd.PersistentFlags().String("spreadsheet-id", "", "Google spreadsheet id")
	rootCmd.PersistentFlags().String("sheet-range", DefaultSheetRange, "A1 range holding the observations")
	rootCmd.PersistentFlags().String("sheets-credentials-file", "credentials.json", "service account credentials file")
	rootCmd.PersistentFlags().String("csv-path", "", "CSV file path or http(s) URL when --source=csv")
	rootCmd.PersistentFlags().String("timezone", "UTC", "timezone for timestamps without an offset")
	rootCmd.PersistentFlags().String("date-order", string(DateOrderMDY), "slash date order in the sheet: mdy or dmy")
	rootCmd.PersistentFlags().Float64("segment-distance-km", DefaultSegmentDistanceKM, "length of the monitored road segment")
	bindFlags(v, rootCmd.PersistentFlags())

	load := func() (*Config, error) { return LoadConfig(v, cfgFile) }

	rootCmd.AddCommand(
		newServeCmd(v, load),
		newRenderCmd(v, load),
		newBackfillCmd(load),
		newSimulateCmd(load),
	)
	return rootCmd
}

// bindFlags binds each flag to the viper key of the same name with underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
}

type configLoader func() (*Config, error)

func newServeCmd(v *viper.Viper, load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the source forever and serve the live dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().String("listen-addr", ":8080", "HTTP listen address")
	cmd.Flags().Duration("poll-interval", time.Second, "delay after a successful poll")
	cmd.Flags().Duration("error-backoff", 5*time.Second, "delay after a failed poll")
	cmd.Flags().Bool("enable-redis", false, "cache views in Redis (REDIS_URL)")
	cmd.Flags().Bool("history-enabled", true, "record changed polls")
	cmd.Flags().Bool("kafka-enabled", false, "publish snapshot summaries to Kafka")
	cmd.Flags().Bool("archive-enabled", false, "write periodic parquet archives")
	bindFlags(v, cmd.Flags())
	return cmd
}

func newRenderCmd(v *viper.Viper, load configLoader) *cobra.Command {
	var (
		vehicleType, direction, bucket, out string
		asJSON                              bool
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Fetch once and print the dashboard summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			data, err := renderOnce(ctx, cfg, Filter{
				VehicleType: normalizeFacet(vehicleType),
				Direction:   normalizeFacet(direction),
			}, bucket)
			if err != nil {
				return err
			}

			switch {
			case out != "":
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := RenderReport(f, data); err != nil {
					return fmt.Errorf("failed to render report: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", out)
				return nil
			case asJSON:
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(data)
			default:
				return RenderSummary(cmd.OutOrStdout(), data, time.Now())
			}
		},
	}
	cmd.Flags().StringVar(&vehicleType, "vehicle-type", AllOption, "vehicle type filter")
	cmd.Flags().StringVar(&direction, "direction", AllOption, "direction filter")
	cmd.Flags().StringVar(&bucket, "bucket", BucketDay, "series bucket: day or hour")
	cmd.Flags().StringVar(&out, "out", "", "write a static HTML report to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the view as JSON")
	cmd.Flags().Duration("fetch-timeout", 30*time.Second, "timeout for the fetch")
	bindFlags(v, cmd.Flags())
	return cmd
}

// renderOnce performs one poll and aggregates it. An empty sheet is a valid result.
func renderOnce(ctx context.Context, cfg *Config, f Filter, bucket string) (*DashboardData, error) {
	source, err := NewSource(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := source.(interface{ Close() }); ok {
		defer c.Close()
	}

	loc := cfg.Location()
	store := NewSnapshotStore()
	poller := NewPoller(PollerConfig{FetchTimeout: cfg.FetchTimeout, Location: loc, DateOrder: cfg.DateOrder}, source, store, nil)
	snap, err := poller.RunOnce(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching data: %w", err)
	}
	return NewAggregator(cfg.SegmentDistanceKM, loc).Build(snap, f, bucket), nil
}

func newBackfillCmd(load configLoader) *cobra.Command {
	var (
		opts        BackfillOptions
		from, until string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Append rows from a CSV export to the sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if opts.File == "" {
				return fmt.Errorf("--file is required")
			}
			loc := cfg.Location()
			if opts.From, err = parseDateFlag(from, false, loc); err != nil {
				return err
			}
			if opts.Until, err = parseDateFlag(until, true, loc); err != nil {
				return err
			}
			opts.Location = loc
			if opts.DateOrder, err = ParseDateOrder(string(cfg.DateOrder)); err != nil {
				return err
			}
			opts.Progress = cmd.ErrOrStderr()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var dst RowAppender
			if !opts.DryRun {
				if cfg.SpreadsheetID == "" {
					return fmt.Errorf("missing SPREADSHEET_ID")
				}
				w, err := NewSheetWriter(ctx, sheetsConfig(cfg))
				if err != nil {
					return err
				}
				dst = w
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=========================================================")
			fmt.Fprintln(out, "        Backfill to Google Sheets")
			fmt.Fprintln(out, "=========================================================")
			fmt.Fprintf(out, "File:             %s\n", opts.File)
			fmt.Fprintf(out, "Range:            %s\n", cfg.SheetRange)
			fmt.Fprintf(out, "Batch Size:       %d\n", opts.BatchSize)
			if !opts.From.IsZero() {
				fmt.Fprintf(out, "Date From:        >= %s\n", opts.From.Format("2006-01-02"))
			}
			if !opts.Until.IsZero() {
				fmt.Fprintf(out, "Date Until:       <= %s\n", opts.Until.Format("2006-01-02"))
			}
			fmt.Fprintln(out, "---------------------------------------------------------")

			res, err := Backfill(ctx, dst, opts)
			printBackfillResult(out, res, opts.DryRun)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.File, "file", "", "CSV export to import")
	cmd.Flags().BoolVar(&opts.SkipHeader, "skip-header", true, "first CSV line is a header")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", defaultBackfillBatch, "rows per append request")
	cmd.Flags().IntVar(&opts.MaxRetries, "retries", 3, "attempts per batch")
	cmd.Flags().StringVar(&from, "from", "", "only rows on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "only rows on or before this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate only, do not write")
	return cmd
}

func printBackfillResult(out io.Writer, res BackfillResult, dryRun bool) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "=========================================================")
	if dryRun {
		fmt.Fprintln(out, "        Dry Run Complete")
	} else {
		fmt.Fprintln(out, "        Backfill Complete")
	}
	fmt.Fprintln(out, "=========================================================")
	fmt.Fprintf(out, "Rows read:             %d\n", res.Total)
	fmt.Fprintf(out, "Imported:              %d\n", res.Imported)
	fmt.Fprintf(out, "Invalid (skipped):     %d\n", res.Invalid)
	fmt.Fprintf(out, "Filtered (date):       %d\n", res.Filtered)
	fmt.Fprintf(out, "Failed:                %d\n", res.Failed)
	fmt.Fprintf(out, "Duration:              %s\n", formatDuration(res.Duration))
	fmt.Fprintln(out, "=========================================================")
}

func newSimulateCmd(load configLoader) *cobra.Command {
	var (
		count         int
		step          time.Duration
		start, out    string
		appendToSheet bool
		header        bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate synthetic vehicle detections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			loc := cfg.Location()
			startAt := time.Now().In(loc)
			if start != "" {
				t, ok := ParseTime(start, loc)
				if !ok {
					return fmt.Errorf("invalid --start %q", start)
				}
				startAt = t
			}
			obs := NewSimulator(startAt, step, loc).Generate(count)

			if appendToSheet {
				if cfg.SpreadsheetID == "" {
					return fmt.Errorf("missing SPREADSHEET_ID")
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				w, err := NewSheetWriter(ctx, sheetsConfig(cfg))
				if err != nil {
					return err
				}
				if err := w.Append(ctx, ObservationRows(obs)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "appended %d rows to %s\n", len(obs), cfg.SheetRange)
				return nil
			}

			dst := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			return WriteCSV(dst, obs, header)
		},
	}
	cmd.Flags().IntVar(&count, "count", 100, "number of observations")
	cmd.Flags().DurationVar(&step, "step", 2*time.Second, "time between observations")
	cmd.Flags().StringVar(&start, "start", "", "timestamp of the first observation (default now)")
	cmd.Flags().StringVar(&out, "out", "-", "CSV output file, - for stdout")
	cmd.Flags().BoolVar(&appendToSheet, "append", false, "append to the configured sheet instead of writing CSV")
	cmd.Flags().BoolVar(&header, "header", true, "write a CSV header line")
	return cmd
}

func sheetsConfig(cfg *Config) SheetsConfig {
	return SheetsConfig{
		CredentialsFile: cfg.SheetsCredentialsFile,
		SpreadsheetID:   cfg.SpreadsheetID,
		Range:           cfg.SheetRange,
		Endpoint:        cfg.SheetsEndpoint,
	}
}
