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
	"telemetry-pipeline/internal/ingress"
	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	addrOverride := flag.String("addr", "", "override ingress listen address (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(0, 0, 0, *addrOverride, *metricsAddrOverride)

	localLog, err := logger.NewLogger(&cfg.Logging, cfg.IDs.Receiver)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	// Log records travel over their own connection, independent of the
	// telemetry publisher.
	logConn := amqpbroker.NewConnection(&cfg.Broker, localLog)
	logPub := amqpbroker.NewPublisherSession(logConn, broker.ExchangeLogs, cfg.IDs.Receiver, localLog)
	logPub.Start()
	defer logPub.Close()

	appLog := logger.NewBrokerLogger(logPub, cfg.IDs.Receiver, cfg.Logging.Level)

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

	msgConn := amqpbroker.NewConnection(&cfg.Broker, appLog)
	msgPub := amqpbroker.NewPublisherSession(msgConn, broker.ExchangeMessages, cfg.IDs.Receiver, appLog)
	msgPub.Start()

	server := ingress.NewServer(msgPub, cfg.IDs.Handler, cfg.Ingress.JWTSecret, appLog, metricsService)
	httpServer := &http.Server{
		Addr:    cfg.Ingress.Address,
		Handler: server,
	}

	go func() {
		appLog.Info("receiver started",
			"address", cfg.Ingress.Address,
			"receiverId", cfg.IDs.Receiver,
			"handlerId", cfg.IDs.Handler)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			localLog.Fatal("ingress server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	appLog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("failed to shutdown ingress server", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLog.Error("failed to shutdown metrics server", "error", err)
		}
	}

	msgPub.Close()
}
