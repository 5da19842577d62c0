package kafka

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

// Header keys set on every produced message.
const (
	HeaderId          = "id"
	HeaderType        = "type"
	HeaderContentType = "contentType"
	HeaderCreatedAt   = "createdAt"
)

// kafkaProducer is the subset of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   gtbx.Logger
}

var _ gtbx.Emitter = (*Emitter)(nil)
var _ gtbx.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &gtbx.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l gtbx.Logger) {
	e.logger = l
}

// Emit produces the record and blocks until its delivery report arrives or
// ctx is done. The producer is expected to run with idempotence enabled and
// consumers deduplicate on the 'id' header.
func (e *Emitter) Emit(ctx context.Context, o *gtbx.OutboxRecord) error {
	// buffered so a late report never blocks the producer after a timeout
	internal := make(chan kafka.Event, 1)

	topic := BuildTopicName(o.EventType)
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.AggregateId),
		Value:          o.Payload,
		Headers: []kafka.Header{
			{Key: HeaderId, Value: []byte(o.Id.String())},
			{Key: HeaderType, Value: []byte(o.EventType)},
			{Key: HeaderContentType, Value: []byte(gtbx.ContentType)},
			{Key: HeaderCreatedAt, Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		return fmt.Errorf("could not produce the message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for the delivery report: %w", ctx.Err())
		case ev := <-internal:
			switch m := ev.(type) {
			case *kafka.Message:
				if m.TopicPartition.Error != nil {
					return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
				}
				e.logger.Debug(fmt.Sprintf("delivered message to topic %s [%d] at offset %v",
					*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
				return nil
			default:
				e.logger.Debug(fmt.Sprintf("ignored event: %s", ev))
			}
		}
	}
}

// BuildTopicName builds a topic name from an event type using its last
// segment (e.g. if eventType="eventhub.domain.InvitationSent" then the topic
// name is "outbox-invitation-sent").
func BuildTopicName(eventType string) string {
	if i := strings.LastIndex(eventType, "."); i >= 0 {
		eventType = eventType[i+1:]
	}
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(eventType))
}
