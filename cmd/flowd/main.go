package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"tapeflow/internal/adapters/binance"
	"tapeflow/internal/adapters/clickhouse"
	"tapeflow/internal/adapters/config"
	"tapeflow/internal/adapters/errors/noop"
	"tapeflow/internal/adapters/errors/sentry"
	"tapeflow/internal/adapters/kafka"
	"tapeflow/internal/domain/depth"
	"tapeflow/internal/domain/momentum"
	"tapeflow/internal/domain/orderflow"
	"tapeflow/internal/domain/profile"
	"tapeflow/internal/events"
	"tapeflow/internal/metrics"
	"tapeflow/internal/recorder"
	"tapeflow/internal/services/stream"
	"tapeflow/pkg/errors"
	"tapeflow/pkg/logger"
)

const statsInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	metricsServer := startMetricsServer(cfg, log)

	producer, publisher := initEvents(cfg, log)
	rec, chClient := initRecorder(ctx, cfg, log)

	registry := stream.NewRegistry()
	registry.Bind(ctx)
	if err := buildEngines(ctx, cfg, registry, publisher, rec, log); err != nil {
		log.Fatalf("Failed to build engines: %v", err)
	}

	feed, err := binance.NewStream(binance.StreamConfig{
		WSURL:       cfg.Feed.WSURL,
		Symbols:     cfg.Feed.NormalizedSymbols(),
		DepthLevels: cfg.Feed.DepthLevels,
		MinBackoff:  cfg.Feed.ReconnectDelay,
		MaxBackoff:  cfg.Feed.MaxReconnectWait,
	}, registry)
	if err != nil {
		log.Fatalf("Failed to create market data stream: %v", err)
	}

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- feed.Run(ctx)
	}()
	go logStats(ctx, registry, log)

	log.Infow("System initialized",
		"symbols", cfg.Feed.NormalizedSymbols(),
		"kafka", cfg.Kafka.Enabled,
		"clickhouse", cfg.ClickHouse.Enabled,
	)

	waitForShutdown(ctx, cancel, feedErr, log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if rec != nil {
		if err := rec.Stop(shutdownCtx); err != nil {
			log.Warnf("Recorder shutdown error: %v", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			log.Warnf("ClickHouse close error: %v", err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warnf("Kafka producer close error: %v", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Metrics server shutdown error: %v", err)
		}
	}
	if err := errorTracker.Flush(shutdownCtx); err != nil {
		log.Warnf("Failed to flush error tracker: %v", err)
	}

	log.Info("Shutdown complete")
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// startMetricsServer exposes Prometheus metrics when enabled.
func startMetricsServer(cfg *config.Config, log *logger.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		log.Info("Metrics disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	go func() {
		log.Infow("Metrics server listening", "addr", cfg.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Metrics server error: %v", err)
		}
	}()
	return server
}

// initEvents wires the Kafka producer and event publisher when enabled.
func initEvents(cfg *config.Config, log *logger.Logger) (*kafka.Producer, *events.Publisher) {
	if !cfg.Kafka.Enabled {
		log.Info("Kafka publishing disabled")
		return nil, nil
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
	log.Infow("Kafka producer initialized", "brokers", cfg.Kafka.Brokers)
	return producer, events.NewPublisher(producer)
}

// initRecorder wires the ClickHouse client and batch recorder when enabled.
func initRecorder(ctx context.Context, cfg *config.Config, log *logger.Logger) (*recorder.Recorder, *clickhouse.Client) {
	if !cfg.ClickHouse.Enabled || !cfg.Recorder.Enabled {
		log.Info("Snapshot recording disabled")
		return nil, nil
	}

	client, err := clickhouse.NewClient(cfg.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to connect to ClickHouse: %v", err)
	}

	rec := recorder.New(client.Conn(), cfg.Recorder)
	if err := rec.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure ClickHouse schema: %v", err)
	}
	rec.Start(ctx)

	log.Infow("Snapshot recorder initialized", "addr", cfg.ClickHouse.Addr())
	return rec, client
}

// buildEngines creates one engine per configured symbol and seeds each
// with historical bars fetched over REST.
func buildEngines(ctx context.Context, cfg *config.Config, registry *stream.Registry, publisher *events.Publisher, rec *recorder.Recorder, log *logger.Logger) error {
	barInterval, err := time.ParseDuration(cfg.Feed.BarInterval)
	if err != nil {
		return errors.Wrapf(err, "invalid bar interval %q", cfg.Feed.BarInterval)
	}

	rest := binance.NewRESTClient(cfg.Feed.RESTURL, cfg.Feed.RequestsPerSecond)

	for _, symbol := range cfg.Feed.NormalizedSymbols() {
		engine, err := stream.NewEngine(stream.EngineConfig{
			Symbol: symbol,
			Flow: orderflow.Config{
				TradeHistorySize:   cfg.Flow.TradeHistorySize,
				ImbalanceThreshold: cfg.Flow.ImbalanceThreshold,
				Window:             cfg.Flow.Window,
			},
			Divergence: orderflow.DivergenceConfig{
				Window:      cfg.Divergence.Window,
				HiddenRatio: cfg.Divergence.HiddenRatio,
			},
			Profile: profile.Config{
				Bins:             cfg.Profile.Bins,
				ValueAreaPercent: cfg.Profile.ValueAreaPercent,
			},
			Depth: depth.Config{
				Levels:        cfg.Depth.Levels,
				FlowThreshold: cfg.Depth.FlowThreshold,
				HistorySize:   cfg.Depth.HistorySize,
			},
			Momentum: momentum.Config{
				RSIPeriod:       cfg.Momentum.RSIPeriod,
				MACDFast:        cfg.Momentum.MACDFast,
				MACDSlow:        cfg.Momentum.MACDSlow,
				MACDSignal:      cfg.Momentum.MACDSignal,
				BollingerPeriod: cfg.Momentum.BollingerPeriod,
				BollingerStdDev: cfg.Momentum.BollingerStdDev,
			},
			SnapshotInterval: cfg.Flow.SnapshotInterval,
			BarInterval:      barInterval,
			SeriesSize:       cfg.Flow.HistorySize,
		})
		if err != nil {
			return errors.Wrapf(err, "engine for %s", symbol)
		}

		if publisher != nil {
			engine.SetEventSink(publisher)
		}
		if rec != nil {
			engine.SetRecorder(rec)
		}

		if cfg.Feed.BootstrapBars > 0 {
			bars, err := rest.Klines(ctx, symbol, cfg.Feed.BarInterval, cfg.Feed.BootstrapBars)
			if err != nil {
				// Live processing still works without history, the profile
				// and indicators just start cold.
				log.Warnw("Kline bootstrap failed, starting cold",
					"symbol", symbol, "error", err)
			} else {
				engine.Bootstrap(bars)
			}
		}

		registry.Add(symbol, engine)
	}
	return nil
}

// logStats periodically logs per-symbol throughput counters.
func logStats(ctx context.Context, registry *stream.Registry, log *logger.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Each(func(symbol string, engine *stream.Engine) {
				stats := engine.Stats()
				log.Infow("Throughput",
					"symbol", symbol,
					"trades", humanize.Comma(stats.TradesProcessed),
					"snapshots", humanize.Comma(stats.SnapshotsProcessed),
					"cumulative_delta", stats.CumulativeDelta,
					"last_price", stats.LastPrice,
					"bars", stats.BarsHeld,
				)
			})
		}
	}
}

// waitForShutdown blocks until a signal arrives or the feed dies.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, feedErr <-chan error, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-feedErr:
		if err != nil && ctx.Err() == nil {
			log.Errorf("Market data feed terminated: %v", err)
		}
	}
	cancel()
}
