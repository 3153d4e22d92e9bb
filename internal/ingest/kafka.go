package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"postureguard/internal/config"
	"postureguard/internal/model"
)

// StartKafka consumes landmark frames and threshold updates from a topic.
// The message key, when set, is used as the viewer ID for frames that do not
// carry one.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Event, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			handleKafkaMessage(ctx, m, cfg, parser, out, logger)
		}
	}()
}

func handleKafkaMessage(ctx context.Context, m kafka.Message, cfg *config.Manager, parser *Parser, out chan<- model.Event, logger *slog.Logger) {
	rec, err := parser.ParseLine(string(m.Value))
	if err != nil || rec == nil {
		return
	}
	if rec.Frame != nil && rec.Frame.ViewerID == "" && len(m.Key) > 0 {
		rec.Frame.ViewerID = string(m.Key)
	}
	ev, err := ToEvent(rec, cfg.Get(), "kafka")
	if err != nil {
		if logger != nil {
			logger.Warn("kafka normalize error", "err", err, "partition", m.Partition, "offset", m.Offset)
		}
		return
	}
	SendNonBlocking(ctx, out, ev, logger)
}
