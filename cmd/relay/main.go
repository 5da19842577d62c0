// Command relay polls the outbox and forwards the pending records to the
// configured broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/eventhub/config"
	kafkaemitter "github.com/3rs4lg4d0/eventhub/emitter/kafka"
	natsemitter "github.com/3rs4lg4d0/eventhub/emitter/nats"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/internal/bootstrap"
	gtbxzrlg "github.com/3rs4lg4d0/eventhub/logger/zerolog"
	gtbxtally "github.com/3rs4lg4d0/eventhub/metrics/tally"
	"github.com/3rs4lg4d0/eventhub/migrations"
	"github.com/3rs4lg4d0/eventhub/repository/pgxv5"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := bootstrap.Logger(cfg, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("relay failed")
		os.Exit(1)
	}
	logger.Info().Msg("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if err := migrations.Run(cfg.DatabaseURL, cfg.MigrationsPath, logger); err != nil {
		return err
	}

	pool, err := bootstrap.DatabasePool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	emitter, closeEmitter, err := newEmitter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEmitter()

	scope, closer := bootstrap.MetricsScope(logger, time.Minute)
	defer closer.Close()
	published, failed := gtbxtally.OutboxCounters(scope)

	gb := gtbx.New(cfg.Outbox.Settings(), pgxv5.New(bootstrap.TxKey, pool), emitter,
		gtbx.WithLogger(gtbxzrlg.New(logger, "outbox")),
		gtbx.WithCounters(published, failed))
	if err := gb.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("broker", cfg.Broker).Msg("relay started")

	<-ctx.Done()
	gb.Stop()
	return nil
}

func newEmitter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (gtbx.Emitter, func(), error) {
	switch cfg.Broker {
	case config.BrokerNATS:
		nc, js, err := bootstrap.JetStream(cfg.NATS.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		_, err = natsemitter.EnsureStream(ctx, js, natsemitter.StreamConfig{
			Name:            cfg.NATS.Stream,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			DuplicateWindow: cfg.NATS.DuplicateWindow,
		})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return natsemitter.New(js, cfg.NATS.SubjectPrefix), func() {
			if err := nc.Drain(); err != nil {
				logger.Error().Err(err).Msg("could not drain the NATS connection")
			}
		}, nil
	default:
		p, err := bootstrap.KafkaProducer(cfg.Kafka, logger)
		if err != nil {
			return nil, nil, err
		}
		return kafkaemitter.New(p), func() {
			p.Flush(5000)
			p.Close()
		}, nil
	}
}
