package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/broker"
	amqpbroker "telemetry-pipeline/internal/broker/amqp"
	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/logsink"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	reconnectOverride := flag.Int("reconnect-max", 0, "override reconnect backoff cap in seconds (0 = use config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(0, *reconnectOverride, 0, "", "")

	// The log consumer keeps its own logging strictly local; shipping it
	// through the broker would feed the sink its own records.
	localLog, err := logger.NewLogger(&cfg.Logging, "logger")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	sink, err := logsink.NewLogFileHandler(&cfg.Logging, localLog)
	if err != nil {
		localLog.Fatal("failed to create log sink", "error", err)
	}

	keys := make([]string, 0, len(cfg.IDs.LoggerOrigins))
	for _, origin := range cfg.IDs.LoggerOrigins {
		keys = append(keys, broker.LogsKey(origin))
	}
	if len(keys) == 0 {
		keys = append(keys, broker.LogsKey("#"))
	}

	conn := amqpbroker.NewConnection(&cfg.Broker, localLog)
	session := amqpbroker.NewConsumerSession(conn, amqpbroker.ConsumerConfig{
		Exchange: broker.ExchangeLogs,
		Queues: []amqpbroker.QueueSpec{
			{Queue: broker.QueueLogs, RoutingKeys: keys},
		},
		PrefetchCount: cfg.Consume.PrefetchCount,
		ReconnectMax:  cfg.Consume.ReconnectMaxSeconds,
	}, sink, localLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := session.Run(ctx); err != nil {
			localLog.Error("consumer session exited", "error", err)
		}
	}()

	localLog.Info("log consumer started",
		"origins", cfg.IDs.LoggerOrigins,
		"directory", cfg.Logging.Directory)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	localLog.Info("shutting down...")

	cancel()
	session.Stop()
	sink.Close()
	conn.Close()
}
