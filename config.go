package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is read from flags, environment (upper-case key names) and an optional YAML file.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// Source
	Source                string        `mapstructure:"source"` // "sheets", "csv" or "postgres"
	SheetsCredentialsFile string        `mapstructure:"sheets_credentials_file"`
	SpreadsheetID         string        `mapstructure:"spreadsheet_id"`
	SheetRange            string        `mapstructure:"sheet_range"`
	SheetsEndpoint        string        `mapstructure:"sheets_endpoint"` // testing/emulators only
	CSVPath               string        `mapstructure:"csv_path"`        // file path or http(s) URL
	CSVSkipHeader         bool          `mapstructure:"csv_skip_header"`
	PostgresDSN           string        `mapstructure:"postgres_dsn"`
	PostgresTable         string        `mapstructure:"postgres_table"`
	Timezone              string        `mapstructure:"timezone"`
	DateOrder             DateOrder     `mapstructure:"date_order"` // "mdy" or "dmy" for slash dates
	FetchTimeout          time.Duration `mapstructure:"fetch_timeout"`

	// Refresh loop
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`

	// Metrics
	SegmentDistanceKM float64 `mapstructure:"segment_distance_km"`

	// Cache
	RedisURL     string        `mapstructure:"redis_url"`
	EnableRedis  bool          `mapstructure:"enable_redis"`
	CacheEnabled bool          `mapstructure:"enable_cache"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`

	// History
	HistoryEnabled       bool          `mapstructure:"history_enabled"`
	HistoryDriver        string        `mapstructure:"history_driver"`
	HistoryDSN           string        `mapstructure:"history_dsn"`
	HistoryRetentionDays int           `mapstructure:"history_retention_days"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`

	// Kafka
	KafkaEnabled    bool   `mapstructure:"kafka_enabled"`
	KafkaBrokerList string `mapstructure:"kafka_broker_list"`
	KafkaTopic      string `mapstructure:"kafka_topic"`

	// Archive
	ArchiveEnabled  bool          `mapstructure:"archive_enabled"`
	ArchiveInterval time.Duration `mapstructure:"archive_interval"`
	ArchiveDir      string        `mapstructure:"archive_dir"`
	ArchiveBucket   string        `mapstructure:"archive_bucket"`
	ArchiveRegion   string        `mapstructure:"archive_region"`
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("source", "sheets")
	v.SetDefault("sheets_credentials_file", "credentials.json")
	v.SetDefault("spreadsheet_id", "")
	v.SetDefault("sheet_range", DefaultSheetRange)
	v.SetDefault("sheets_endpoint", "")
	v.SetDefault("csv_path", "")
	v.SetDefault("csv_skip_header", true)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("postgres_table", "observations")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("date_order", string(DateOrderMDY))
	v.SetDefault("fetch_timeout", 30*time.Second)

	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("error_backoff", 5*time.Second)

	v.SetDefault("segment_distance_km", DefaultSegmentDistanceKM)

	v.SetDefault("redis_url", "")
	v.SetDefault("enable_redis", false)
	v.SetDefault("enable_cache", true)
	v.SetDefault("cache_ttl", time.Minute)

	v.SetDefault("history_enabled", true)
	v.SetDefault("history_driver", "sqlite")
	v.SetDefault("history_dsn", "data/history.db")
	v.SetDefault("history_retention_days", 30)
	v.SetDefault("cleanup_interval", time.Hour)

	v.SetDefault("kafka_enabled", false)
	v.SetDefault("kafka_broker_list", "localhost:9092")
	v.SetDefault("kafka_topic", "traffic-snapshots")

	v.SetDefault("archive_enabled", false)
	v.SetDefault("archive_interval", time.Hour)
	v.SetDefault("archive_dir", "data/archive")
	v.SetDefault("archive_bucket", "")
	v.SetDefault("archive_region", "us-east-1")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the optional config file and decodes everything into a Config.
func LoadConfig(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Printf("CONFIG: using config file %s", v.ConfigFileUsed())
	}

	var cfg Config
	decoderConfigOption := viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err := v.Unmarshal(&cfg, decoderConfigOption); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed by the selected source.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Source) {
	case "sheets", "":
		if c.SpreadsheetID == "" {
			return errors.New("missing SPREADSHEET_ID")
		}
		if c.SheetsCredentialsFile == "" && c.SheetsEndpoint == "" {
			return errors.New("missing SHEETS_CREDENTIALS_FILE")
		}
	case "csv":
		if c.CSVPath == "" {
			return errors.New("missing CSV_PATH")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("missing POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("invalid SOURCE %q (must be 'sheets', 'csv' or 'postgres')", c.Source)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	order, err := ParseDateOrder(string(c.DateOrder))
	if err != nil {
		return fmt.Errorf("invalid DATE_ORDER: %w", err)
	}
	c.DateOrder = order
	if c.PollInterval <= 0 || c.ErrorBackoff <= 0 {
		return errors.New("POLL_INTERVAL and ERROR_BACKOFF must be positive")
	}
	if c.KafkaEnabled && (c.KafkaBrokerList == "" || c.KafkaTopic == "") {
		return errors.New("kafka enabled but KAFKA_BROKER_LIST or KAFKA_TOPIC missing")
	}
	return nil
}

// Location resolves the configured timezone; Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// logSummary prints which integrations are on, never secret values.
func (c *Config) logSummary() {
	log.Printf("CONFIG: SOURCE=%s, SPREADSHEET_ID set=%v, SHEET_RANGE=%s, credentials set=%v, POSTGRES_DSN set=%v",
		c.Source, c.SpreadsheetID != "", c.SheetRange, c.SheetsCredentialsFile != "", c.PostgresDSN != "")
	log.Printf("CONFIG: POLL_INTERVAL=%v, ERROR_BACKOFF=%v, redis=%v, history=%v(%s), kafka=%v, archive=%v",
		c.PollInterval, c.ErrorBackoff, c.EnableRedis, c.HistoryEnabled, c.HistoryDriver, c.KafkaEnabled, c.ArchiveEnabled)
}
