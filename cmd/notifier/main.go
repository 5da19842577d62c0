// Command notifier consumes the relayed domain events and sends the
// participant emails.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/eventhub/config"
	natsemitter "github.com/3rs4lg4d0/eventhub/emitter/nats"
	"github.com/3rs4lg4d0/eventhub/internal/bootstrap"
	gtbxtally "github.com/3rs4lg4d0/eventhub/metrics/tally"
	"github.com/3rs4lg4d0/eventhub/migrations"
	"github.com/3rs4lg4d0/eventhub/notifier"
	notifierkafka "github.com/3rs4lg4d0/eventhub/notifier/kafka"
	notifiernats "github.com/3rs4lg4d0/eventhub/notifier/nats"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := bootstrap.Logger(cfg, "notifier")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("notifier failed")
		os.Exit(1)
	}
	logger.Info().Msg("notifier stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}

	scope, closer := bootstrap.MetricsScope(logger, time.Minute)
	defer closer.Close()
	sent, duplicated, failed := gtbxtally.NotificationCounters(scope)

	n := notifier.New(sender, cfg.AppBaseURL,
		notifier.WithDeduplicator(notifier.NewDeduplicator(cfg.Notifier.DedupTTL, nil)),
		notifier.WithLogger(logger),
		notifier.WithCounters(sent, duplicated, failed))

	if cfg.Broker == config.BrokerNATS {
		return consumeNATS(ctx, cfg, n, logger)
	}
	return consumeKafka(ctx, cfg, n, logger)
}

func newSender(cfg *config.Config, logger zerolog.Logger) (notifier.Sender, error) {
	if cfg.EmailSender != config.SenderTable {
		return &notifier.LogSender{Logger: logger}, nil
	}
	if err := migrations.Run(cfg.DatabaseURL, cfg.MigrationsPath, logger); err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open the database: %w", err)
	}
	return notifier.NewTableSender(db, nil), nil
}

func consumeKafka(ctx context.Context, cfg *config.Config, n *notifier.Notifier, logger zerolog.Logger) error {
	c, err := bootstrap.KafkaConsumer(cfg.Kafka)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SubscribeTopics(notifierkafka.Topics(), nil); err != nil {
		return fmt.Errorf("could not subscribe to the outbox topics: %w", err)
	}
	logger.Info().Strs("topics", notifierkafka.Topics()).Msg("notifier started")
	return notifierkafka.New(c, n,
		notifierkafka.WithLogger(logger),
		notifierkafka.WithRetryDelay(cfg.Notifier.RetryDelay)).Run(ctx)
}

func consumeNATS(ctx context.Context, cfg *config.Config, n *notifier.Notifier, logger zerolog.Logger) error {
	nc, js, err := bootstrap.JetStream(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	_, err = natsemitter.EnsureStream(ctx, js, natsemitter.StreamConfig{
		Name:            cfg.NATS.Stream,
		SubjectPrefix:   cfg.NATS.SubjectPrefix,
		DuplicateWindow: cfg.NATS.DuplicateWindow,
	})
	if err != nil {
		return err
	}
	consumer, err := notifiernats.EnsureConsumer(ctx, js, notifiernats.ConsumerConfig{
		Stream:        cfg.NATS.Stream,
		Durable:       cfg.NATS.Durable,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
	})
	if err != nil {
		return err
	}
	return notifiernats.New(consumer, n,
		notifiernats.WithLogger(logger),
		notifiernats.WithRetryDelay(cfg.Notifier.RetryDelay)).Run(ctx)
}
