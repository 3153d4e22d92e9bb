package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			viewer_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT,
			warnings_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS frame_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			viewer_id TEXT NOT NULL,
			has_face INTEGER NOT NULL,
			has_pose INTEGER NOT NULL,
			iris_distance REAL NOT NULL,
			slouch_angle REAL NOT NULL,
			ear REAL NOT NULL,
			warnings_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frame_metrics_viewer ON frame_metrics(viewer_id, ts)`,
		`CREATE TABLE IF NOT EXISTS window_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TIMESTAMP NOT NULL,
			viewer_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			too_close_ratio REAL NOT NULL,
			slouching_ratio REAL NOT NULL,
			squinting_ratio REAL NOT NULL,
			mean_ear REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_window_metrics_viewer_window ON window_metrics(viewer_id, window_sec)`,
	},
	placeholder: func(int) string { return "?" },
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:postureguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, dialect: sqliteDialect}, nil
}
