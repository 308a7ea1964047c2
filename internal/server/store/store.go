// Package store persists location history to Postgres using pgx and plain
// SQL.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"livetrack/internal/common/config"
	"livetrack/internal/domain/geo"

	"github.com/jackc/pgx/v5/pgxpool"
)

// History archives accepted location samples and serves them back for the
// inspection API.
type History struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHistory builds a tuned pgx pool, verifies connectivity, and ensures the
// history table exists.
func NewHistory(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*History, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	pcfg, err := pgxpool.ParseConfig(cfg.DSN() + "?sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("postgres parse dsn: %w", err)
	}
	pcfg.ConnConfig.ConnectTimeout = 5 * time.Second
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = make(map[string]string, 1)
	}
	pcfg.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pcfg.HealthCheckPeriod = 30 * time.Second
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	h := &History{pool: pool, logger: logger}
	if err := h.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to postgres", "action", "db_connected",
		"host", cfg.Host, "database", cfg.Name,
		"duration_ms", time.Since(start).Milliseconds())
	return h, nil
}

func (h *History) migrate(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS location_history (
			id              BIGSERIAL PRIMARY KEY,
			entity_id       BIGINT NOT NULL,
			session_id      TEXT NOT NULL,
			latitude        DOUBLE PRECISION NOT NULL,
			longitude       DOUBLE PRECISION NOT NULL,
			accuracy_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at     TIMESTAMPTZ NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_location_history_entity
			ON location_history (entity_id, recorded_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("location_history migration: %w", err)
	}
	return nil
}

// Archive inserts a single history row.
func (h *History) Archive(ctx context.Context, entityID int64, sessionID string, sample geo.LocationSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	_, err := h.pool.Exec(ctx, `
		INSERT INTO location_history (
			entity_id, session_id, latitude, longitude, accuracy_meters, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		entityID,
		sessionID,
		sample.Lat,
		sample.Lng,
		sample.AccuracyMeters,
		time.UnixMilli(sample.TimestampMs).UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive location: %w", err)
	}
	return nil
}

// Recent returns the newest samples for an entity, newest first.
func (h *History) Recent(ctx context.Context, entityID int64, limit int) ([]geo.LocationSample, error) {
	rows, err := h.pool.Query(ctx, `
		SELECT latitude, longitude, accuracy_meters, recorded_at
		FROM location_history
		WHERE entity_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []geo.LocationSample
	for rows.Next() {
		var s geo.LocationSample
		var recordedAt time.Time
		if err := rows.Scan(&s.Lat, &s.Lng, &s.AccuracyMeters, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		s.TimestampMs = recordedAt.UnixMilli()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (h *History) Close() {
	h.pool.Close()
}
