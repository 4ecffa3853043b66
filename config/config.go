package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v4"
)

// EnvPrefix is prepended to every environment override,
// e.g. HANDOFF_DATABASE_HOST or HANDOFF_STORAGE.
const EnvPrefix = "HANDOFF_"

type Config struct {
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Kafka    KafkaConfig    `yaml:"kafka" envPrefix:"KAFKA_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Handoff  HandoffConfig  `yaml:"handoff"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host" env:"HOST"`
	Port                   int    `yaml:"port" env:"PORT"`
	ParcelCreatedTopicName string `yaml:"parcel_created_topic_name" env:"PARCEL_CREATED_TOPIC_NAME"`
	StatusChangedTopicName string `yaml:"status_changed_topic_name" env:"STATUS_CHANGED_TOPIC_NAME"`
}

type RedisConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

type HandoffConfig struct {
	GRPCAddr           string `yaml:"grpc_addr" env:"GRPC_ADDR"`
	HTTPAddr           string `yaml:"http_addr" env:"HTTP_ADDR"`
	Storage            string `yaml:"storage" env:"STORAGE"` // "postgres" | "memory"
	KafkaConsumerGroup string `yaml:"kafka_consumer_group" env:"KAFKA_CONSUMER_GROUP"`

	CurrentStatusTTLSeconds int `yaml:"current_status_ttl_seconds" env:"CURRENT_STATUS_TTL_SECONDS"`
	SessionTTLSeconds       int `yaml:"session_ttl_seconds" env:"SESSION_TTL_SECONDS"`
	CommitConcurrency       int `yaml:"commit_concurrency" env:"COMMIT_CONCURRENCY"`

	PickupCodePolicy               string `yaml:"pickup_code_policy" env:"PICKUP_CODE_POLICY"` // "single_use" | "reusable"
	PickupCodeMaxAttempts          int    `yaml:"pickup_code_max_attempts" env:"PICKUP_CODE_MAX_ATTEMPTS"`
	PickupCodeAttemptWindowSeconds int    `yaml:"pickup_code_attempt_window_seconds" env:"PICKUP_CODE_ATTEMPT_WINDOW_SECONDS"`

	RelayPollIntervalSeconds int `yaml:"relay_poll_interval_seconds" env:"RELAY_POLL_INTERVAL_SECONDS"`
	RelayBatchSize           int `yaml:"relay_batch_size" env:"RELAY_BATCH_SIZE"`
	RelayConcurrency         int `yaml:"relay_concurrency" env:"RELAY_CONCURRENCY"`
	RelayLeaseSeconds        int `yaml:"relay_lease_seconds" env:"RELAY_LEASE_SECONDS"`
	RelayRateLimitPerMinute  int `yaml:"relay_rate_limit_per_minute" env:"RELAY_RATE_LIMIT_PER_MINUTE"`

	// Backoff for failed publishes (optional). Defaults: 5/15/30/60 minutes.
	RelayBackoff1Seconds      int `yaml:"relay_backoff_1_seconds" env:"RELAY_BACKOFF_1_SECONDS"`
	RelayBackoff2Seconds      int `yaml:"relay_backoff_2_seconds" env:"RELAY_BACKOFF_2_SECONDS"`
	RelayBackoff3Seconds      int `yaml:"relay_backoff_3_seconds" env:"RELAY_BACKOFF_3_SECONDS"`
	RelayBackoff4Seconds      int `yaml:"relay_backoff_4_seconds" env:"RELAY_BACKOFF_4_SECONDS"`
	RelayBackoffJitterSeconds int `yaml:"relay_backoff_jitter_seconds" env:"RELAY_BACKOFF_JITTER_SECONDS"`

	RelayHTTPAddr string `yaml:"relay_http_addr" env:"RELAY_HTTP_ADDR"`

	ManifestBaseURL string `yaml:"manifest_base_url" env:"MANIFEST_BASE_URL"`
	ManifestAPIKey  string `yaml:"manifest_api_key" env:"MANIFEST_API_KEY"`
}

// LoadConfig reads the YAML file and then applies HANDOFF_* environment
// overrides. Unset variables leave the file values alone.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	return &config, nil
}
