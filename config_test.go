package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(NewViper(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != time.Second || cfg.ErrorBackoff != 5*time.Second {
		t.Errorf("poll=%v backoff=%v", cfg.PollInterval, cfg.ErrorBackoff)
	}
	if cfg.SheetRange != DefaultSheetRange || cfg.SegmentDistanceKM != DefaultSegmentDistanceKM {
		t.Errorf("range=%s distance=%v", cfg.SheetRange, cfg.SegmentDistanceKM)
	}
	if !cfg.CacheEnabled || cfg.EnableRedis || !cfg.HistoryEnabled || cfg.HistoryDriver != "sqlite" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("SPREADSHEET_ID", "abc123")
	t.Setenv("ENABLE_REDIS", "true")

	cfg, err := LoadConfig(NewViper(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != 2*time.Second || cfg.SpreadsheetID != "abc123" || !cfg.EnableRedis {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.yaml")
	body := "source: csv\ncsv_path: obs.csv\nerror_backoff: 10s\ntimezone: UTC\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(NewViper(), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source != "csv" || cfg.CSVPath != "obs.csv" || cfg.ErrorBackoff != 10*time.Second {
		t.Errorf("file not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("location = %s", cfg.Location())
	}

	if _, err := LoadConfig(NewViper(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Source:                "sheets",
			SpreadsheetID:         "id",
			SheetsCredentialsFile: "credentials.json",
			Timezone:              "UTC",
			PollInterval:          time.Second,
			ErrorBackoff:          5 * time.Second,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing spreadsheet", func(c *Config) { c.SpreadsheetID = "" }, true},
		{"emulator needs no credentials", func(c *Config) { c.SheetsCredentialsFile = ""; c.SheetsEndpoint = "http://localhost:9000/" }, false},
		{"csv without path", func(c *Config) { c.Source = "csv" }, true},
		{"postgres without dsn", func(c *Config) { c.Source = "postgres" }, true},
		{"unknown source", func(c *Config) { c.Source = "ftp" }, true},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, true},
		{"zero interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"bad date order", func(c *Config) { c.DateOrder = "ymd" }, true},
		{"day first date order", func(c *Config) { c.DateOrder = "DMY" }, false},
		{"kafka without topic", func(c *Config) { c.KafkaEnabled = true; c.KafkaBrokerList = "k:9092" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNormalizesDateOrder(t *testing.T) {
	t.Setenv("DATE_ORDER", "DMY")
	cfg, err := LoadConfig(NewViper(), "")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Source, cfg.CSVPath = "csv", "obs.csv"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.DateOrder != DateOrderDMY {
		t.Errorf("date order = %q", cfg.DateOrder)
	}
}
