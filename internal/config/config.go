package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/cams-data-etl/internal/domain"
)

// Config holds process settings, populated from environment variables.
// Settings of a particular retrieval live in RunConfig.
type Config struct {
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// SoDa CAMS service.
	CAMSServer  string
	CAMSTimeout time.Duration
	DailyQuota  int // requests per UTC day; 0 disables local accounting
	MaxBatches  int // batches attempted per run; 0 means no limit

	// Completion events, disabled when no brokers are set.
	KafkaBrokers []string
	KafkaTopic   string

	MetricsFile string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	timeout, err2 := time.ParseDuration(sharedcfg.EnvOrDefault("CAMS_TIMEOUT", "30s"))
	if err2 != nil || timeout <= 0 {
		return nil, errors.New("invalid CAMS_TIMEOUT")
	}

	quota, err := parseNonNegative("CAMS_DAILY_QUOTA", "100")
	if err != nil {
		return nil, err
	}
	// A full batch must fit in one day's budget or nothing is ever attempted.
	if quota > 0 && quota < domain.BatchSize {
		return nil, fmt.Errorf("invalid CAMS_DAILY_QUOTA: %d is below the batch size %d", quota, domain.BatchSize)
	}
	maxBatches, err := parseNonNegative("CAMS_MAX_BATCHES", "0")
	if err != nil {
		return nil, err
	}

	var brokers []string
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		brokers = sharedcfg.ParseBrokers(v)
	}

	cfg := &Config{
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		CAMSServer:      sharedcfg.EnvOrDefault("CAMS_SERVER", "api.soda-solardata.com"),
		CAMSTimeout:     timeout,
		DailyQuota:      quota,
		MaxBatches:      maxBatches,
		KafkaBrokers:    brokers,
		KafkaTopic:      sharedcfg.EnvOrDefault("KAFKA_TOPIC", "cams-batches"),
		MetricsFile:     os.Getenv("METRICS_FILE"),
	}

	if strings.TrimSpace(cfg.CAMSServer) == "" {
		return nil, errors.New("CAMS_SERVER is required")
	}
	if cfg.KafkaEnabled() && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// KafkaEnabled reports whether completion events should be published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func parseNonNegative(key, def string) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, def))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}
