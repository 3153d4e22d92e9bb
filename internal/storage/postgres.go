package storage

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			alert_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			viewer_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT,
			warnings_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS frame_metrics (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			viewer_id TEXT NOT NULL,
			has_face BOOLEAN NOT NULL,
			has_pose BOOLEAN NOT NULL,
			iris_distance DOUBLE PRECISION NOT NULL,
			slouch_angle DOUBLE PRECISION NOT NULL,
			ear DOUBLE PRECISION NOT NULL,
			warnings_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frame_metrics_viewer ON frame_metrics(viewer_id, ts)`,
		`CREATE TABLE IF NOT EXISTS window_metrics (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			viewer_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			too_close_ratio DOUBLE PRECISION NOT NULL,
			slouching_ratio DOUBLE PRECISION NOT NULL,
			squinting_ratio DOUBLE PRECISION NOT NULL,
			mean_ear DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_window_metrics_viewer_window ON window_metrics(viewer_id, window_sec)`,
	},
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/postureguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, dialect: postgresDialect}, nil
}
