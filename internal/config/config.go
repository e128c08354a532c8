package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	FeedPostgres = "postgres"
	FeedKafka    = "kafka"
)

type (
	// Config represents an application configuration.
	Config struct {
		// The data source name (DSN) for connecting to the database.
		DSN string `yaml:"dsn" env:"DATABASE_URI" env-default:"host=localhost port=5432 user=orders password=orders dbname=orders sslmode=disable"`
		// Log every SQL statement at debug level.
		LogQueries bool `yaml:"log_queries" env:"LOG_QUERIES" env-default:"false"`
		// Where change events come from: "postgres" (LISTEN/NOTIFY) or "kafka".
		FeedSource string `yaml:"feed_source" env:"FEED_SOURCE" env-default:"postgres"`
		// Subconfigs.
		HTTPServer HTTPServer `yaml:"http_server"`
		Kafka      Kafka      `yaml:"kafka"`
		Breaker    Breaker    `yaml:"breaker"`
		Listener   Listener   `yaml:"listener"`
		Logger     Logger     `yaml:"logger"`
	}
	// Config for HTTP server.
	HTTPServer struct {
		// The server startup address.
		Address string `yaml:"address" env:"ORDER_SERVICE_ADDR" env-default:":8081"`
		// Read and write timeouts.
		ReadTimeout  time.Duration `yaml:"read_timeout" env-default:"15s"`
		WriteTimeout time.Duration `yaml:"write_timeout" env-default:"15s"`
		IdleTimeout  time.Duration `yaml:"idle_timeout" env-default:"60s"`
		// Timeout for the remote call behind each request.
		RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"10s"`
		// Shutdown timeout.
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"30s"`
		// Origins allowed by CORS and the websocket upgrader.
		AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
	}
	// Config for Kafka.
	Kafka struct {
		Brokers string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
		// Consumer group prefix; every subscription appends a unique suffix.
		GroupPrefix string `yaml:"group_prefix" env:"KAFKA_GROUP_PREFIX" env-default:"order-service"`
		// Identifies the relay in published messages.
		Source string `yaml:"source" env:"KAFKA_SOURCE" env-default:"feed-relay"`
		// How long a subscription may wait for partition assignment.
		JoinTimeout time.Duration `yaml:"join_timeout" env:"KAFKA_JOIN_TIMEOUT" env-default:"30s"`
	}
	// Config for the circuit breaker around the database.
	Breaker struct {
		MaxFailures int           `yaml:"max_failures" env:"BREAKER_MAX_FAILURES" env-default:"5"`
		Timeout     time.Duration `yaml:"timeout" env:"BREAKER_TIMEOUT" env-default:"30s"`
		MaxRequests int           `yaml:"max_requests" env-default:"1"`
	}
	// Config for the LISTEN connection.
	Listener struct {
		MinReconnect time.Duration `yaml:"min_reconnect" env-default:"1s"`
		MaxReconnect time.Duration `yaml:"max_reconnect" env-default:"30s"`
	}
	// Config for application's logger.
	Logger struct {
		// Path to store log files. Empty logs to stdout only.
		Path string `yaml:"path" env:"LOG_PATH"`
		// Application logging level.
		Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		// Log files details.
		MaxSizeMB  int `yaml:"max_size_mb" env-default:"100"`
		MaxBackups int `yaml:"max_backups" env-default:"3"`
		MaxAgeDays int `yaml:"max_age_days" env-default:"28"`
	}
)

// Load reads the optional YAML file at path and then the environment, which
// wins over the file. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad takes the config path from the -config flag or CONFIG_PATH and
// exits the process on failure.
func MustLoad() *Config {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the config file")
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error

	c.FeedSource = strings.ToLower(strings.TrimSpace(c.FeedSource))
	if c.FeedSource != FeedPostgres && c.FeedSource != FeedKafka {
		errs = append(errs, fmt.Errorf("feed_source must be %q or %q, got %q", FeedPostgres, FeedKafka, c.FeedSource))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.FeedSource == FeedKafka && c.Kafka.Brokers == "" {
		errs = append(errs, errors.New("kafka brokers are required for the kafka feed"))
	}
	if c.FeedSource == FeedKafka && c.Kafka.JoinTimeout <= 0 {
		errs = append(errs, errors.New("kafka join_timeout must be positive"))
	}
	if c.Listener.MinReconnect > c.Listener.MaxReconnect {
		errs = append(errs, errors.New("listener min_reconnect exceeds max_reconnect"))
	}

	return errors.Join(errs...)
}
