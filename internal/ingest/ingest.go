package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"postureguard/internal/config"
	"postureguard/internal/model"
	"postureguard/internal/normalize"
)

var errEmptyRecord = errors.New("empty record")

func SendNonBlocking(ctx context.Context, out chan<- model.Event, ev model.Event, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			attrs := []any{}
			if ev.Frame != nil {
				attrs = append(attrs, "viewer_id", ev.Frame.ViewerID, "timestamp", ev.Frame.Timestamp)
			}
			logger.Warn("event channel full, dropping event", attrs...)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ToEvent turns a parsed record into an engine event tagged with source.
func ToEvent(rec *Record, cfg *config.Config, source string) (model.Event, error) {
	if rec == nil {
		return model.Event{}, errEmptyRecord
	}
	if rec.Threshold != nil {
		u := *rec.Threshold
		return model.Event{Threshold: &u}, nil
	}
	if rec.Frame == nil {
		return model.Event{}, errEmptyRecord
	}
	frame, err := normalize.Normalize(*rec.Frame, cfg)
	if err != nil {
		return model.Event{}, err
	}
	frame.Source = source
	return model.Event{Frame: &frame}, nil
}

func processLine(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Event, logger *slog.Logger, line string, source string) {
	rec, err := parser.ParseLine(line)
	if err != nil {
		if logger != nil {
			logger.Debug("unparseable line", "source", source, "err", err)
		}
		return
	}
	if rec == nil {
		return
	}
	ev, err := ToEvent(rec, cfg.Get(), source)
	if err != nil {
		if logger != nil {
			logger.Warn(source+" normalize error", "err", err)
		}
		return
	}
	SendNonBlocking(ctx, out, ev, logger)
}
