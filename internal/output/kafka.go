package output

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"postureguard/internal/config"
	"postureguard/internal/model"
)

const publisherQueueSize = 256

var errPublisherClosed = errors.New("kafka publisher closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes alert commands to a topic, keyed by viewer ID so a
// viewer's commands stay ordered within one partition. Deliver never blocks:
// it enqueues and a background loop writes.
type KafkaPublisher struct {
	logger *slog.Logger
	writer messageWriter
	queue  chan kafka.Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewKafkaPublisher(cfg config.KafkaOutputConfig, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	p := &KafkaPublisher{
		logger: logger,
		writer: w,
		queue:  make(chan kafka.Message, publisherQueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) Deliver(_ context.Context, alert model.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPublisherClosed
	}
	msg := kafka.Message{Key: []byte(alert.ViewerID), Value: value, Time: alert.Timestamp}
	select {
	case p.queue <- msg:
		return nil
	default:
		if p.logger != nil {
			p.logger.Warn("kafka publish queue full, dropping command", "viewer_id", alert.ViewerID, "kind", alert.Kind)
		}
		return nil
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil && p.logger != nil {
			p.logger.Warn("kafka publish error", "err", err, "viewer_id", string(msg.Key))
		}
	}
}

// Close stops accepting commands, drains the queue and closes the writer.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.writer.Close()
		return ctx.Err()
	}
	return p.writer.Close()
}
