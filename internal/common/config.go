package common

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	EventsTopic  string   `envconfig:"EVENTS_TOPIC" default:"message.events"`

	GatewayURL     string        `envconfig:"GATEWAY_URL"`
	GatewayAPIKey  string        `envconfig:"GATEWAY_API_KEY"`
	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"15s"`

	MaxGroupSize    int           `envconfig:"MAX_GROUP_SIZE" default:"1000"`
	DispatchWorkers int           `envconfig:"DISPATCH_WORKERS" default:"4"`
	DedupeTTL       time.Duration `envconfig:"DEDUPE_TTL" default:"10m"`

	ScheduleInterval time.Duration `envconfig:"SCHEDULE_INTERVAL" default:"30s"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepBatchSize   int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	ServiceName  string `envconfig:"-"`
}

// LoadConfig reads .env when present, then the process environment. service
// names the binary for logs and trace resources.
func LoadConfig(service string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	cfg.ServiceName = service
	return &cfg, nil
}
