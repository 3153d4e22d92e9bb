package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"postureguard/internal/config"
	"postureguard/internal/model"
)

// Store persists alert commands and per-frame metrics. A nil Store means
// persistence is disabled.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	SaveMetrics(ctx context.Context, viewerID string, frame model.FrameMetrics, windows []model.WindowMetrics) error
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// dialect carries what differs between the SQL backends: DDL and the bind
// parameter syntax.
type dialect struct {
	schema      []string
	placeholder func(n int) string
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.dialect.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

func (s *sqlStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (alert_id, ts, viewer_id, kind, text, warnings_json)
		VALUES (`+s.binds(6)+`)`,
		alert.ID,
		alert.Timestamp.UTC(),
		alert.ViewerID,
		string(alert.Kind),
		alert.Text,
		encodeJSON(alert.Warnings),
	)
	return err
}

func (s *sqlStore) SaveMetrics(ctx context.Context, viewerID string, frame model.FrameMetrics, windows []model.WindowMetrics) error {
	if s.db == nil || viewerID == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ts := frame.Timestamp.UTC()
	if frame.Timestamp.IsZero() {
		ts = nowUTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frame_metrics (ts, viewer_id, has_face, has_pose, iris_distance, slouch_angle, ear, warnings_json)
		VALUES (`+s.binds(8)+`)`,
		ts,
		viewerID,
		frame.HasFace,
		frame.HasPose,
		frame.IrisDistance,
		frame.SlouchAngle,
		frame.EAR,
		encodeJSON(frame.Warnings),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	if len(windows) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO window_metrics (ts, viewer_id, window_sec, frames, too_close_ratio, slouching_ratio, squinting_ratio, mean_ear)
			VALUES (`+s.binds(8)+`)`)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		defer stmt.Close()
		for _, wm := range windows {
			if _, err := stmt.ExecContext(ctx,
				ts,
				viewerID,
				wm.WindowSec,
				wm.Frames,
				wm.TooCloseRatio,
				wm.SlouchingRatio,
				wm.SquintingRatio,
				wm.MeanEAR,
			); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
