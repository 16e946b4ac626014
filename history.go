package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// HistoryEntry is one recorded poll
type HistoryEntry struct {
	PolledAt     time.Time `json:"polled_at"`
	Version      uint64    `json:"version"`
	Rows         int       `json:"rows"`
	Rejected     int       `json:"rejected"`
	AverageSpeed *float64  `json:"average_speed"`
	VehicleCount int       `json:"vehicle_count"`
	Hash         string    `json:"hash"`
}

// HistoryStore persists poll summaries.
type HistoryStore interface {
	Append(ctx context.Context, e HistoryEntry) error
	Recent(ctx context.Context, limit int) ([]HistoryEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	Driver() string
	Close() error
}

// NewHistoryStore opens the backend named by driver ("sqlite" or "postgres").
func NewHistoryStore(ctx context.Context, driver, dsn string) (HistoryStore, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "":
		return NewSQLiteHistory(dsn)
	case "postgres":
		return NewPostgresHistory(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown history driver %q", driver)
}

// SQLiteHistory is the default local store.
type SQLiteHistory struct {
	db *sql.DB
}

func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	if dbPath == "" {
		dbPath = "data/history.db"
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer; the poll loop is the only one appending
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	schemas := []string{
		`CREATE TABLE IF NOT EXISTS poll_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			polled_at INTEGER NOT NULL, -- unix millis
			version INTEGER NOT NULL,
			row_count INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			average_speed REAL,
			vehicle_count INTEGER NOT NULL,
			content_hash TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_poll_history_polled_at ON poll_history(polled_at);`,
	}
	for _, q := range schemas {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schemas: %w", err)
		}
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Append(ctx context.Context, e HistoryEntry) error {
	_, err := h.db.ExecContext(ctx, `INSERT INTO poll_history
		(polled_at, version, row_count, rejected, average_speed, vehicle_count, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PolledAt.UnixMilli(), int64(e.Version), e.Rows, e.Rejected, e.AverageSpeed, e.VehicleCount, e.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert into poll_history: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT polled_at, version, row_count, rejected, average_speed, vehicle_count, content_hash
		FROM poll_history ORDER BY polled_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e        HistoryEntry
			polledAt int64
			version  int64
			avg      sql.NullFloat64
		)
		if err := rows.Scan(&polledAt, &version, &e.Rows, &e.Rejected, &avg, &e.VehicleCount, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		e.PolledAt = time.UnixMilli(polledAt).UTC()
		e.Version = uint64(version)
		if avg.Valid {
			v := avg.Float64
			e.AverageSpeed = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (h *SQLiteHistory) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM poll_history WHERE polled_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (h *SQLiteHistory) Driver() string { return "sqlite" }

func (h *SQLiteHistory) Close() error { return h.db.Close() }

// HistoryRecorder appends a summary for every successful poll whose content changed.
type HistoryRecorder struct {
	store HistoryStore
	agg   *Aggregator
}

func NewHistoryRecorder(store HistoryStore, agg *Aggregator) *HistoryRecorder {
	return &HistoryRecorder{store: store, agg: agg}
}

func (r *HistoryRecorder) Handle(ctx context.Context, snap *Snapshot) {
	if snap.Status != StatusOK || !snap.Changed {
		return
	}
	data := r.agg.Build(snap, Filter{}, BucketDay)
	entry := HistoryEntry{
		PolledAt:     snap.FetchedAt,
		Version:      snap.Version,
		Rows:         len(snap.Observations),
		Rejected:     snap.Rejected,
		AverageSpeed: data.AverageSpeed,
		VehicleCount: data.TotalVehicles,
		Hash:         snap.Hash,
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.store.Append(wctx, entry); err != nil {
		log.Printf("[HISTORY] append failed: %v", err)
	}
}
