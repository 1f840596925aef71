package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Broker   BrokerConfig   `mapstructure:"broker" validate:"required"`
	Consumer ConsumerConfig `mapstructure:"consumer" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
	Events   EventsConfig   `mapstructure:"events" validate:"required"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig selects and configures the persistence backend.
// The memory driver keeps state in-process and is meant for local runs.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	URL          string `mapstructure:"url" validate:"required_if=Driver postgres"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
}

// BrokerConfig describes the Redis Streams connection and the shared subscription.
type BrokerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required,hostname_port"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db" validate:"gte=0"`
	Topics          []string      `mapstructure:"topics" validate:"required,min=1,dive,required"`
	Group           string        `mapstructure:"group" validate:"required"`
	ConsumerName    string        `mapstructure:"consumer_name"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay" validate:"gt=0"`
	StreamMaxLen    int64         `mapstructure:"stream_max_len" validate:"gte=0"`
}

// ConsumerConfig tunes the command consumption loop.
type ConsumerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxWorkers    int           `mapstructure:"max_workers" validate:"gte=1"`
	LogInterval   int           `mapstructure:"log_interval" validate:"gte=1"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`
}

// StorageConfig points the content sink at its root directory.
type StorageConfig struct {
	BasePath string `mapstructure:"base_path" validate:"required"`
}

// EventsConfig controls how domain events are routed to broker streams.
type EventsConfig struct {
	StreamPrefix    string            `mapstructure:"stream_prefix"`
	Topics          map[string]string `mapstructure:"topics"`
	PublishAttempts uint64            `mapstructure:"publish_attempts" validate:"gte=1,lte=10"`
}

// TracingConfig toggles the OpenTelemetry SDK.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}
