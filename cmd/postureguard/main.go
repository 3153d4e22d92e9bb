package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postureguard/internal/alerts"
	"postureguard/internal/api"
	"postureguard/internal/config"
	"postureguard/internal/engine"
	"postureguard/internal/ingest"
	"postureguard/internal/logging"
	"postureguard/internal/metrics"
	"postureguard/internal/model"
	"postureguard/internal/output"
	"postureguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML or JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "postureguard:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	path := config.ResolvePath(configPath)
	var mgr *config.Manager
	if _, err := os.Stat(path); err == nil {
		m, err := config.NewManager(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		mgr = m
	} else {
		mgr = config.NewStaticManager(nil)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	if mgr.Path() == "" {
		logger.Warn("config file not found, using defaults", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var sinks []output.Sink
	if cfg.Output.Log {
		sinks = append(sinks, output.NewLogSink(logger))
	}
	var hub *output.Hub
	if cfg.Output.WebSocket {
		hub = output.NewHub(logger, cfg.API.AllowedOrigins)
		defer hub.Close()
		sinks = append(sinks, hub)
	}
	if cfg.Output.Kafka.Enabled {
		pub := output.NewKafkaPublisher(cfg.Output.Kafka, logger)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Close(closeCtx); err != nil {
				logger.Warn("kafka publisher close", "err", err)
			}
		}()
		sinks = append(sinks, pub)
		logger.Info("kafka output enabled", "brokers", cfg.Output.Kafka.Brokers, "topic", cfg.Output.Kafka.Topic)
	}

	metricsStore := metrics.NewStore(cfg.Metrics.StoreLimit)
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	eng, err := engine.NewEngine(cfg, logger, metricsStore, alertsStore, store, sinks...)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	eng.SetThresholdPersister(func(t model.Thresholds) error {
		_, err := mgr.SetThresholds(t)
		return err
	})
	var presentation api.PresentationHub
	if hub != nil {
		eng.SetSpeechProbe(hub)
		presentation = hub
	}

	events := make(chan model.Event, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, events)

	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, events, logger)
	ingest.StartUDP(ctx, mgr, parser, events, logger)
	ingest.StartTCPStream(ctx, mgr, parser, events, logger)
	ingest.StartFileTail(ctx, mgr, parser, events, logger)
	ingest.StartKafka(ctx, mgr, parser, events, logger)

	api.Start(ctx, mgr, metricsStore, alertsStore, eng, presentation, logger, version)

	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second, func(next *config.Config) {
			if err := eng.UpdateConfig(next); err != nil {
				logger.Warn("reloaded config rejected", "err", err)
				return
			}
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config watch error", "err", err)
		}, ctx.Done())
	}

	logger.Info("postureguard started", "version", version)
	<-ctx.Done()
	logger.Info("shutting down")
	shutdown(eng, logger)
	return nil
}

// shutdown closes any sessions the engine goroutine has not torn down yet so
// every active overlay gets its hide before the sinks close.
func shutdown(eng *engine.Engine, logger *slog.Logger) {
	if hidden := eng.Close(); len(hidden) > 0 {
		logger.Info("closed viewer sessions", "hidden_overlays", len(hidden))
	}
}
