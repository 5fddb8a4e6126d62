package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/broker"
	amqpbroker "telemetry-pipeline/internal/broker/amqp"
	"telemetry-pipeline/internal/device"
	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/metrics"
	"telemetry-pipeline/internal/stats"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	prefetchOverride := flag.Int("prefetch", 0, "override prefetch count (0 = use config)")
	reconnectOverride := flag.Int("reconnect-max", 0, "override reconnect backoff cap in seconds (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(*prefetchOverride, *reconnectOverride, 0, "", *metricsAddrOverride)

	// Local logger for bootstrap and for the log publisher itself; the
	// broker-backed logger would recurse through its own publisher.
	localLog, err := logger.NewLogger(&cfg.Logging, cfg.IDs.Handler)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	// The log pipeline rides its own connection so logging failures
	// cannot stall business traffic.
	logConn := amqpbroker.NewConnection(&cfg.Broker, localLog)
	logPub := amqpbroker.NewPublisherSession(logConn, broker.ExchangeLogs, cfg.IDs.Handler, localLog)
	logPub.Start()
	defer logPub.Close()

	appLog := logger.NewBrokerLogger(logPub, cfg.IDs.Handler, cfg.Logging.Level)

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			localLog.Fatal("failed to create metrics service", "error", err)
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			appLog.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLog.Error("metrics server error", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := device.NewPGStore(ctx, cfg.Store.DSN)
	if err != nil {
		localLog.Fatal("failed to connect to store", "error", err)
	}

	cache := device.NewCache(store, appLog, metricsService)
	if err := cache.Load(ctx); err != nil {
		localLog.Fatal("failed to load device cache", "error", err)
	}

	handler := device.NewMessageHandler(cache, store, appLog, metricsService)

	conn := amqpbroker.NewConnection(&cfg.Broker, appLog)
	session := amqpbroker.NewConsumerSession(conn, amqpbroker.ConsumerConfig{
		Exchange: broker.ExchangeMessages,
		Queues: []amqpbroker.QueueSpec{
			{Queue: broker.QueueMessages, RoutingKeys: []string{broker.MessagesKey(cfg.IDs.Handler)}},
			{Queue: broker.QueueRPC, RoutingKeys: []string{broker.RPCKey(cfg.IDs.Handler)}, RPC: true},
		},
		PrefetchCount: cfg.Consume.PrefetchCount,
		ReconnectMax:  cfg.Consume.ReconnectMaxSeconds,
	}, handler, appLog, metricsService)

	go func() {
		if err := session.Run(ctx); err != nil {
			appLog.Error("consumer session exited", "error", err)
		}
	}()

	collector := stats.NewCollector()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := session.Stats()
				collector.Update(snap.MessagesReceived, snap.MessagesAcked, snap.Errors, snap.Reconnects)
			case <-ctx.Done():
				return
			}
		}
	}()

	appLog.Info("handler started",
		"handlerId", cfg.IDs.Handler,
		"prefetch", cfg.Consume.PrefetchCount,
		"metricsEnabled", cfg.Metrics.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	appLog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLog.Error("failed to shutdown metrics server", "error", err)
		}
	}

	cancel()
	session.Stop()
	handler.Close()
	conn.Close()

	snap := session.Stats()
	collector.Update(snap.MessagesReceived, snap.MessagesAcked, snap.Errors, snap.Reconnects)
	if js, err := collector.GetStatsJSON(); err == nil {
		localLog.Info("final stats", "stats", string(js))
	}
}
