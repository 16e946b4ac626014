package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresSource reads observations written by the detector into a table
// with the same six columns as the sheet.
type PostgresSource struct {
	pool  *pgxpool.Pool
	query string
}

func NewPostgresSource(ctx context.Context, dsn, table string) (*PostgresSource, error) {
	if dsn == "" {
		return nil, errors.New("missing postgres dsn")
	}
	if table == "" {
		table = "observations"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	return &PostgresSource{
		pool: pool,
		query: fmt.Sprintf(`SELECT id::text, vehicle_type, direction, speed_kmh::text, observed_at, congestion_level::text
			FROM %s ORDER BY observed_at, id`, table),
	}, nil
}

func (p *PostgresSource) Name() string { return "postgres" }

func (p *PostgresSource) Fetch(ctx context.Context) ([][]string, error) {
	rows, err := p.pool.Query(ctx, p.query)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var (
			id, vtype, dir, speed, congestion *string
			observed                          *time.Time
		)
		if err := rows.Scan(&id, &vtype, &dir, &speed, &observed, &congestion); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, sheetRow(id, vtype, dir, speed, observed, congestion))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

func (p *PostgresSource) Close() {
	p.pool.Close()
}

// sheetRow renders one nullable table row in the sheet's column order.
// NULL columns become empty cells so row validation treats them like blank sheet cells.
func sheetRow(id, vtype, dir, speed *string, observed *time.Time, congestion *string) []string {
	ts := ""
	if observed != nil {
		ts = observed.Format(time.RFC3339)
	}
	return []string{deref(id), deref(vtype), deref(dir), deref(speed), ts, deref(congestion)}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// PostgresHistory stores poll history in Postgres.
type PostgresHistory struct {
	pool *pgxpool.Pool
}

func NewPostgresHistory(ctx context.Context, dsn string) (*PostgresHistory, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging database: %w", err)
	}
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS poll_history (
		id BIGSERIAL PRIMARY KEY,
		polled_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL,
		row_count INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		average_speed DOUBLE PRECISION,
		vehicle_count INTEGER NOT NULL,
		content_hash TEXT NOT NULL
	)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresHistory{pool: pool}, nil
}

func (h *PostgresHistory) Append(ctx context.Context, e HistoryEntry) error {
	_, err := h.pool.Exec(ctx, `INSERT INTO poll_history
		(polled_at, version, row_count, rejected, average_speed, vehicle_count, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.PolledAt, int64(e.Version), e.Rows, e.Rejected, e.AverageSpeed, e.VehicleCount, e.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert into poll_history: %w", err)
	}
	return nil
}

func (h *PostgresHistory) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := h.pool.Query(ctx, `SELECT polled_at, version, row_count, rejected, average_speed, vehicle_count, content_hash
		FROM poll_history ORDER BY polled_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (HistoryEntry, error) {
		var e HistoryEntry
		var version int64
		err := row.Scan(&e.PolledAt, &version, &e.Rows, &e.Rejected, &e.AverageSpeed, &e.VehicleCount, &e.Hash)
		e.Version = uint64(version)
		return e, err
	})
}

func (h *PostgresHistory) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := h.pool.Exec(ctx, `DELETE FROM poll_history WHERE polled_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (h *PostgresHistory) Driver() string { return "postgres" }

func (h *PostgresHistory) Close() error {
	h.pool.Close()
	return nil
}
