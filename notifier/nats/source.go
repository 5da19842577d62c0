// Package nats feeds the notifier with the outbox records relayed to a
// JetStream stream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	natsemitter "github.com/3rs4lg4d0/eventhub/emitter/nats"
	"github.com/3rs4lg4d0/eventhub/notifier"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const defaultRetryDelay = 5 * time.Second

// consumer is the subset of jetstream.Consumer used by the source.
type consumer interface {
	Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error)
}

// message is the subset of jetstream.Msg used by the source.
type message interface {
	Data() []byte
	Headers() nats.Header
	Subject() string
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

type Handler interface {
	Handle(ctx context.Context, m notifier.Message) error
}

// Source acknowledges every handled message explicitly. Failed messages are
// redelivered after the retry delay and malformed ones are terminated.
type Source struct {
	consumer   consumer
	handler    Handler
	logger     zerolog.Logger
	retryDelay time.Duration
}

type Option func(s *Source)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Source) {
		s.retryDelay = d
	}
}

func New(c consumer, h Handler, options ...Option) *Source {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("Consumer is mandatory")
	}
	if h == nil {
		panic("handler is mandatory")
	}
	s := &Source{
		consumer:   c,
		handler:    h,
		logger:     zerolog.Nop(),
		retryDelay: defaultRetryDelay,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Run consumes until ctx is done.
func (s *Source) Run(ctx context.Context) error {
	cc, err := s.consumer.Consume(func(msg jetstream.Msg) {
		s.process(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("start JetStream consumer: %w", err)
	}
	defer cc.Stop()

	s.logger.Info().Msg("notification consumer started")
	<-ctx.Done()
	s.logger.Info().Msg("notification consumer stopped")
	return nil
}

func (s *Source) process(ctx context.Context, msg message) {
	m := toMessage(msg)
	log := s.logger.With().Str("message_id", m.ID).Str("subject", msg.Subject()).Logger()

	err := s.handler.Handle(ctx, m)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			log.Error().Err(err).Msg("could not ack message")
		}
	case errors.Is(err, notifier.ErrMalformedPayload):
		log.Error().Err(err).Msg("terminating malformed message")
		if err := msg.Term(); err != nil {
			log.Error().Err(err).Msg("could not terminate message")
		}
	default:
		log.Error().Err(err).Msg("message handling failed, it will be redelivered")
		if err := msg.NakWithDelay(s.retryDelay); err != nil {
			log.Error().Err(err).Msg("could not nak message")
		}
	}
}

func toMessage(msg message) notifier.Message {
	h := msg.Headers()
	return notifier.Message{
		ID:          h.Get(nats.MsgIdHdr),
		Type:        h.Get(natsemitter.HeaderEventType),
		ContentType: h.Get(natsemitter.HeaderContentType),
		Payload:     msg.Data(),
	}
}

// ConsumerConfig describes the durable consumer the notifier reads from.
type ConsumerConfig struct {
	Stream        string
	Durable       string
	SubjectPrefix string
	AckWait       time.Duration
	MaxDeliver    int
}

// EnsureConsumer creates the durable consumer or updates it when it already
// exists.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	cc := jetstream.ConsumerConfig{
		Name:          cfg.Durable,
		Durable:       cfg.Durable,
		Description:   "EventHub notification consumer",
		FilterSubject: fmt.Sprintf("%s.>", cfg.SubjectPrefix),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	}
	c, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, cc)
	if err != nil {
		return nil, fmt.Errorf("create or update consumer %s: %w", cfg.Durable, err)
	}
	return c, nil
}
