// Package config loads the settings shared by the EventHub binaries.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Prefix is prepended to every environment variable name.
const Prefix = "EVENTHUB_"

const (
	BrokerKafka = "kafka"
	BrokerNATS  = "nats"

	SenderLog   = "log"
	SenderTable = "table"
)

type (
	Config struct {
		DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
		MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"sql/postgres"`
		Broker         string `env:"BROKER" envDefault:"kafka"`
		AppBaseURL     string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
		LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
		EmailSender    string `env:"EMAIL_SENDER" envDefault:"log"`
		Kafka          Kafka
		NATS           NATS
		Outbox         Outbox
		RSVP           RSVP
		Notifier       Notifier
	}

	Kafka struct {
		BootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS" envDefault:"localhost:9092"`
		GroupID          string `env:"KAFKA_GROUP_ID" envDefault:"eventhub-notifier"`
	}

	NATS struct {
		URL             string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
		Stream          string        `env:"NATS_STREAM" envDefault:"EVENTHUB_OUTBOX"`
		SubjectPrefix   string        `env:"NATS_SUBJECT_PREFIX" envDefault:"eventhub.outbox"`
		DuplicateWindow time.Duration `env:"NATS_DUPLICATE_WINDOW" envDefault:"2m"`
		Durable         string        `env:"NATS_DURABLE" envDefault:"eventhub-notifier"`
	}

	Outbox struct {
		PollingInterval time.Duration `env:"OUTBOX_POLLING_INTERVAL" envDefault:"10s"`
		BatchSize       int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
		PublishTimeout  time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT" envDefault:"10s"`
		MaxDispatchers  int           `env:"OUTBOX_MAX_DISPATCHERS" envDefault:"2"`
		LockTTL         time.Duration `env:"OUTBOX_LOCK_TTL" envDefault:"1m"`
		RetryBackoff    time.Duration `env:"OUTBOX_RETRY_BACKOFF" envDefault:"5s"`
		MaxRetryBackoff time.Duration `env:"OUTBOX_MAX_RETRY_BACKOFF" envDefault:"5m"`
	}

	RSVP struct {
		HMACKey  string        `env:"RSVP_HMAC_KEY"`
		TokenTTL time.Duration `env:"RSVP_TOKEN_TTL" envDefault:"72h"`
	}

	Notifier struct {
		DedupTTL   time.Duration `env:"NOTIFIER_DEDUP_TTL" envDefault:"10m"`
		RetryDelay time.Duration `env:"NOTIFIER_RETRY_DELAY" envDefault:"5s"`
	}
)

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// .env is optional when the variables come from the environment
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := url.Parse(c.DatabaseURL); err != nil {
		return fmt.Errorf("config: %sDATABASE_URL is not a valid URL: %w", Prefix, err)
	}
	switch c.Broker {
	case BrokerKafka:
		if strings.TrimSpace(c.Kafka.BootstrapServers) == "" {
			return fmt.Errorf("config: %sKAFKA_BOOTSTRAP_SERVERS is required with the kafka broker", Prefix)
		}
	case BrokerNATS:
		if c.NATS.Stream == "" || c.NATS.SubjectPrefix == "" {
			return fmt.Errorf("config: %sNATS_STREAM and %sNATS_SUBJECT_PREFIX are required with the nats broker", Prefix, Prefix)
		}
	default:
		return fmt.Errorf("config: unknown broker %q, expected %q or %q", c.Broker, BrokerKafka, BrokerNATS)
	}
	switch c.EmailSender {
	case SenderLog, SenderTable:
	default:
		return fmt.Errorf("config: unknown email sender %q, expected %q or %q", c.EmailSender, SenderLog, SenderTable)
	}
	base, err := url.Parse(c.AppBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("config: %sAPP_BASE_URL must be an absolute URL", Prefix)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %sLOG_LEVEL: %w", Prefix, err)
	}
	if c.RSVP.HMACKey != "" {
		if _, err := base64.StdEncoding.DecodeString(c.RSVP.HMACKey); err != nil {
			return fmt.Errorf("config: %sRSVP_HMAC_KEY must be base64: %w", Prefix, err)
		}
	}
	if c.RSVP.TokenTTL <= 0 {
		return errors.New("config: the RSVP token TTL must be positive")
	}
	return nil
}

// Level returns the configured log level. It is validated on Load.
func (c *Config) Level() zerolog.Level {
	l, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// Settings maps the outbox section to the relay settings. Zero values fall
// back to the relay defaults.
func (o Outbox) Settings() gtbx.Settings {
	return gtbx.Settings{
		EnableDispatcher:  true,
		MaxDispatchers:    o.MaxDispatchers,
		PollingInterval:   o.PollingInterval,
		MaxEventsPerBatch: o.BatchSize,
		PublishTimeout:    o.PublishTimeout,
		LockTTL:           o.LockTTL,
		RetryBackoff:      o.RetryBackoff,
		MaxRetryBackoff:   o.MaxRetryBackoff,
	}
}
