package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	Broker  BrokerConfig  `json:"broker"`
	IDs     IDConfig      `json:"ids"`
	Consume ConsumeConfig `json:"consumer"`
	RPC     RPCConfig     `json:"rpc"`
	Store   StoreConfig   `json:"store"`
	Ingress IngressConfig `json:"ingress"`
	Logging LogConfig     `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
}

type BrokerConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	User             string `json:"user"`
	Password         string `json:"password"`
	HeartbeatSeconds int    `json:"heartbeatSeconds"`
}

// IDConfig names the participants of the pipeline. Handler, Receiver and
// UserAPI ids form routing-key suffixes; LoggerOrigins lists every origin
// the log consumer binds for.
type IDConfig struct {
	Handler       string   `json:"handler"`
	Receiver      string   `json:"receiver"`
	UserAPI       string   `json:"userapi"`
	LoggerOrigins []string `json:"loggerOrigins"`
}

type ConsumeConfig struct {
	PrefetchCount       int `json:"prefetchCount"`
	ReconnectMaxSeconds int `json:"reconnectMaxSeconds"`
}

type RPCConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

type StoreConfig struct {
	DSN string `json:"dsn"`
}

type IngressConfig struct {
	Address   string `json:"address"`
	JWTSecret string `json:"jwtSecret"`
}

type LogConfig struct {
	Level       string `json:"level"`      // debug, info, warn, error
	Directory   string `json:"directory"`  // log file directory
	MaxSizeMB   int    `json:"maxSizeMB"`  // rotate threshold per file
	MaxBackups  int    `json:"maxBackups"` // rotated files kept per origin
	LogToFile   bool   `json:"logToFile"`
	LogToStdout bool   `json:"logToStdout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults for broker
	if config.Broker.Host == "" {
		config.Broker.Host = "localhost"
	}
	if config.Broker.Port == 0 {
		config.Broker.Port = 5672
	}
	// A long heartbeat keeps reconnect decisions in the application
	// rather than the broker.
	if config.Broker.HeartbeatSeconds == 0 {
		config.Broker.HeartbeatSeconds = 3600
	}

	// Set defaults for consumer
	if config.Consume.PrefetchCount == 0 {
		config.Consume.PrefetchCount = 1
	}
	if config.Consume.ReconnectMaxSeconds == 0 {
		config.Consume.ReconnectMaxSeconds = 30
	}

	// Set defaults for rpc
	if config.RPC.TimeoutSeconds == 0 {
		config.RPC.TimeoutSeconds = 3
	}

	// Set defaults for ingress
	if config.Ingress.Address == "" {
		config.Ingress.Address = ":8080"
	}

	// Set defaults for logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Directory == "" {
		config.Logging.Directory = "logs"
	}
	if config.Logging.MaxSizeMB == 0 {
		config.Logging.MaxSizeMB = 10
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = 5
	}

	// Set defaults for metrics
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":2112"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	// Validate the configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if cfg.Broker.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	if cfg.Broker.Port < 1 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("invalid broker port: %d", cfg.Broker.Port)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	if cfg.Consume.PrefetchCount < 1 {
		return fmt.Errorf("prefetch count must be greater than 0")
	}
	if cfg.Consume.ReconnectMaxSeconds < 1 {
		return fmt.Errorf("reconnect max seconds must be greater than 0")
	}
	if cfg.RPC.TimeoutSeconds < 1 {
		return fmt.Errorf("rpc timeout seconds must be greater than 0")
	}
	if cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be greater than 0")
	}
	if cfg.Logging.MaxBackups < 0 {
		return fmt.Errorf("log max backups must not be negative")
	}

	return nil
}

// URL builds the broker connection URL from the configured parts.
func (c *BrokerConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Password, c.Host, c.Port)
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(prefetch, reconnectMax, rpcTimeout int, ingressAddr, metricsAddr string) {
	if prefetch > 0 {
		c.Consume.PrefetchCount = prefetch
	}
	if reconnectMax > 0 {
		c.Consume.ReconnectMaxSeconds = reconnectMax
	}
	if rpcTimeout > 0 {
		c.RPC.TimeoutSeconds = rpcTimeout
	}
	if ingressAddr != "" {
		c.Ingress.Address = ingressAddr
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
}
