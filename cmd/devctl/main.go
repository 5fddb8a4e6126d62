// devctl issues cache-control RPCs to a running handler, the same calls
// the user API makes when devices are created or deleted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/broker"
	amqpbroker "telemetry-pipeline/internal/broker/amqp"
	"telemetry-pipeline/internal/logger"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	method := flag.String("method", "", "rpc method: add or remove")
	deviceID := flag.Int64("device", 0, "device id")
	rpcTimeoutOverride := flag.Int("timeout", 0, "override rpc timeout in seconds (0 = use config)")
	flag.Parse()

	if *method != "add" && *method != "remove" {
		log.Fatalf("method must be add or remove")
	}
	if *deviceID <= 0 {
		log.Fatalf("device id must be positive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(0, 0, *rpcTimeoutOverride, "", "")

	localLog, err := logger.NewLogger(&cfg.Logging, cfg.IDs.UserAPI)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	conn := amqpbroker.NewConnection(&cfg.Broker, localLog)
	defer conn.Close()

	timeout := time.Duration(cfg.RPC.TimeoutSeconds) * time.Second
	session, err := amqpbroker.NewRPCSession(conn, timeout, localLog, nil)
	if err != nil {
		localLog.Fatal("failed to open rpc session", "error", err)
	}
	defer session.Close()

	body, err := json.Marshal(map[string]interface{}{
		"method":    *method,
		"device_id": *deviceID,
	})
	if err != nil {
		localLog.Fatal("failed to encode request", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	corrID := uuid.NewString()
	reply, err := session.Request(ctx, broker.RPCKey(cfg.IDs.Handler), body, corrID)
	if err != nil {
		localLog.Fatal("rpc request failed", "error", err)
	}
	if reply == nil {
		// Timeout is soft: the handler may still apply the change later.
		fmt.Fprintln(os.Stderr, "no confirmation from handler (timeout)")
		os.Exit(1)
	}

	fmt.Printf("%s device %d: %s\n", *method, *deviceID, string(reply))
}
