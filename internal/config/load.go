package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads,
// e.g. RETRIEVAL_SERVER_PORT or RETRIEVAL_BROKER_ADDR.
const EnvPrefix = "RETRIEVAL"

// DefaultEventTopics maps event type names to their broker destinations.
// Types missing from the table fall back to a derived destination.
var DefaultEventTopics = map[string]string{
	"RetrievalStarted":           "retrieval-started",
	"RetrievalCompleted":         "retrieval-completed",
	"RetrievalFailed":            "retrieval-failed",
	"ImagesRetrieved":            "images-retrieved",
	"ImageReadyForAnonymization": "image-anonymization",
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile behaves like Load but reads the given YAML file instead of
// searching for config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to Unmarshal unless bound explicitly.
	for _, key := range []string{"database.url", "broker.password", "broker.consumer_name"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if cfg.Broker.ConsumerName == "" {
		cfg.Broker.ConsumerName = defaultConsumerName()
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the struct tags and the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Database.Driver == "postgres" {
		u, err := url.Parse(cfg.Database.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config validation failed: database.url %q is not a valid URL", cfg.Database.URL)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.topics", []string{"retrieval-commands"})
	v.SetDefault("broker.group", "data-retrieval")
	v.SetDefault("broker.poll_timeout", time.Second)
	v.SetDefault("broker.redelivery_delay", 30*time.Second)
	v.SetDefault("broker.stream_max_len", 100000)

	v.SetDefault("consumer.enabled", true)
	v.SetDefault("consumer.max_workers", 5)
	v.SetDefault("consumer.log_interval", 100)
	v.SetDefault("consumer.shutdown_grace", 5*time.Second)
	v.SetDefault("consumer.drain_timeout", 0)

	v.SetDefault("storage.base_path", "/tmp/data_retrieval_images")

	v.SetDefault("events.stream_prefix", "events:")
	v.SetDefault("events.topics", DefaultEventTopics)
	v.SetDefault("events.publish_attempts", 3)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "data-retrieval")
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consumer"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
