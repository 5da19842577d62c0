// Package kafka feeds the notifier with the outbox records relayed to Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	kafkaemitter "github.com/3rs4lg4d0/eventhub/emitter/kafka"
	"github.com/3rs4lg4d0/eventhub/notifier"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultPollTimeout = 500 * time.Millisecond
	defaultRetryDelay  = 5 * time.Second
)

// kafkaConsumer is the subset of *kafka.Consumer used by the source. The
// consumer must run with 'enable.auto.commit' set to false.
type kafkaConsumer interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, timeoutMs int) error
}

type Handler interface {
	Handle(ctx context.Context, m notifier.Message) error
}

// Source reads one message at a time and commits its offset once handled.
// A failed message is sought back so it is read again after the retry delay.
type Source struct {
	consumer    kafkaConsumer
	handler     Handler
	logger      zerolog.Logger
	clock       clockwork.Clock
	pollTimeout time.Duration
	retryDelay  time.Duration
}

type Option func(s *Source)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Source) {
		s.clock = c
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Source) {
		s.retryDelay = d
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

func New(c kafkaConsumer, h Handler, options ...Option) *Source {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("Consumer is mandatory")
	}
	if h == nil {
		panic("handler is mandatory")
	}
	s := &Source{
		consumer:    c,
		handler:     h,
		logger:      zerolog.Nop(),
		clock:       clockwork.NewRealClock(),
		pollTimeout: defaultPollTimeout,
		retryDelay:  defaultRetryDelay,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Topics returns the topics the relay writes the notifier's events to.
func Topics() []string {
	return []string{
		kafkaemitter.BuildTopicName(domain.InvitationSentType),
		kafkaemitter.BuildTopicName(domain.InvitationRespondedType),
		kafkaemitter.BuildTopicName(domain.EventCancelledType),
	}
}

// Run polls until ctx is done or the consumer reports a fatal error.
func (s *Source) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m, err := s.consumer.ReadMessage(s.pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					return fmt.Errorf("fatal consumer error: %w", err)
				}
			}
			s.logger.Warn().Err(err).Msg("could not read message")
			continue
		}
		s.process(ctx, m)
	}
}

func (s *Source) process(ctx context.Context, km *kafka.Message) {
	msg := toMessage(km)
	log := s.logger.With().
		Str("message_id", msg.ID).
		Str("topic", topic(km)).
		Int32("partition", km.TopicPartition.Partition).
		Str("offset", km.TopicPartition.Offset.String()).
		Logger()

	err := s.handler.Handle(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, notifier.ErrMalformedPayload):
		log.Error().Err(err).Msg("dropping malformed message")
	default:
		log.Error().Err(err).Msg("message handling failed, it will be read again")
		if err := s.consumer.Seek(km.TopicPartition, 0); err != nil {
			log.Error().Err(err).Msg("could not seek back to the failed message")
		}
		s.wait(ctx)
		return
	}

	if _, err := s.consumer.CommitMessage(km); err != nil {
		log.Error().Err(err).Msg("could not commit message")
	}
}

func (s *Source) wait(ctx context.Context) {
	if s.retryDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-s.clock.After(s.retryDelay):
	}
}

func toMessage(km *kafka.Message) notifier.Message {
	msg := notifier.Message{Payload: km.Value}
	for _, h := range km.Headers {
		switch h.Key {
		case kafkaemitter.HeaderId:
			msg.ID = string(h.Value)
		case kafkaemitter.HeaderType:
			msg.Type = string(h.Value)
		case kafkaemitter.HeaderContentType:
			msg.ContentType = string(h.Value)
		}
	}
	return msg
}

func topic(km *kafka.Message) string {
	if km.TopicPartition.Topic == nil {
		return ""
	}
	return *km.TopicPartition.Topic
}
