// Package bootstrap builds the infrastructure clients shared by the EventHub
// binaries.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/3rs4lg4d0/eventhub/config"
	gtbxtally "github.com/3rs4lg4d0/eventhub/metrics/tally"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
)

type txKey struct{}

// TxKey is the context key under which the repositories keep the current
// transaction.
var TxKey any = txKey{}

func Logger(cfg *config.Config, service string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).
		Level(cfg.Level()).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

func DatabasePool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach the database: %w", err)
	}
	return db, nil
}

// KafkaProducer returns an idempotent producer. Producer level events that
// are not delivery reports are logged until the producer is closed.
func KafkaProducer(cfg config.Kafka, logger zerolog.Logger) (*kafka.Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"linger.ms":          500,
		"batch.size":         100 * 1024,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create the kafka producer: %w", err)
	}
	go func() {
		for ev := range p.Events() {
			if kerr, ok := ev.(kafka.Error); ok {
				logger.Error().Err(kerr).Msg("kafka producer error")
			}
		}
	}()
	return p, nil
}

// KafkaConsumer returns a consumer that leaves offset commits to the caller.
func KafkaConsumer(cfg config.Kafka) (*kafka.Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create the kafka consumer: %w", err)
	}
	return c, nil
}

func JetStream(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return nc, js, nil
}

// MetricsScope returns the root scope of the binary. Counters are flushed to
// the log every interval.
func MetricsScope(logger zerolog.Logger, interval time.Duration) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "eventhub",
		Reporter: gtbxtally.NewLogReporter(logger),
	}, interval)
}
