package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postureguard/internal/config"
	"postureguard/internal/model"
)

func TestNewStoreDisabled(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	if err != nil || s != nil {
		t.Fatalf("expected nil store, got %v %v", s, err)
	}
}

func TestNewStoreUnknownDriver(t *testing.T) {
	_, err := NewStore(config.StorageConfig{Enabled: true, Driver: "oracle"})
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("err = %v", err)
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &sqlStore{dialect: postgresDialect}
	if got := s.binds(3); got != "$1, $2, $3" {
		t.Fatalf("binds = %q", got)
	}
	s = &sqlStore{dialect: sqliteDialect}
	if got := s.binds(2); got != "?, ?" {
		t.Fatalf("binds = %q", got)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "pg.db")
	st, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	ts := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	alert := model.Alert{
		ID:        "0f8e",
		Timestamp: ts,
		ViewerID:  "desk-1",
		Kind:      model.Notify,
		Text:      "Posture alert: slouching",
		Warnings:  model.NewWarningSet(model.Slouching),
	}
	if err := st.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("save alert: %v", err)
	}
	frame := model.FrameMetrics{Timestamp: ts, HasPose: true, SlouchAngle: 31, Warnings: model.NewWarningSet(model.Slouching)}
	windows := []model.WindowMetrics{{WindowSec: 10, Frames: 1, SlouchingRatio: 1}, {WindowSec: 60, Frames: 1, SlouchingRatio: 1}}
	if err := st.SaveMetrics(ctx, "desk-1", frame, windows); err != nil {
		t.Fatalf("save metrics: %v", err)
	}

	db := st.(*sqlStore).db
	var kind, warnings string
	if err := db.QueryRowContext(ctx, `SELECT kind, warnings_json FROM alerts WHERE alert_id = ?`, "0f8e").Scan(&kind, &warnings); err != nil {
		t.Fatalf("query alert: %v", err)
	}
	if kind != "notify" || warnings != `["slouching"]` {
		t.Fatalf("alert row = %s %s", kind, warnings)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM window_metrics WHERE viewer_id = ?`, "desk-1").Scan(&n); err != nil {
		t.Fatalf("query windows: %v", err)
	}
	if n != 2 {
		t.Fatalf("window rows = %d", n)
	}
	var angle float64
	if err := db.QueryRowContext(ctx, `SELECT slouch_angle FROM frame_metrics WHERE viewer_id = ?`, "desk-1").Scan(&angle); err != nil {
		t.Fatalf("query frame: %v", err)
	}
	if angle != 31 {
		t.Fatalf("slouch_angle = %v", angle)
	}
}
