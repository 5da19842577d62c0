package kafka

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/test"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	type args struct {
		producer kafkaProducer
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "producer is not nil",
			args: args{
				producer: &test.MockedKafkaProducer{},
			},
			wantPanic: false,
		},
		{
			name: "producer is nil",
			args: args{
				producer: nil,
			},
			wantPanic: true,
		},
		{
			name: "producer is not nil but the underlying value is",
			args: args{
				producer: func() kafkaProducer {
					var p *test.MockedKafkaProducer
					return p
				}(),
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.producer)
				})
			} else {
				assert.NotPanics(t, func() {
					e := New(tc.args.producer)
					e.SetLogger(&gtbx.NopLogger{})
				})
			}
		})
	}
}

func TestBuildTopicName(t *testing.T) {
	assert.Equal(t, "outbox-invitation-sent", BuildTopicName("eventhub.domain.InvitationSent"))
	assert.Equal(t, "outbox-event-cancelled", BuildTopicName("EventCancelled"))
}

func TestEmit(t *testing.T) {
	var testMsgId uuid.UUID = uuid.New()
	var testCreatedAt time.Time = time.Now()
	const eventType = "eventhub.domain.InvitationSent"
	record := &gtbx.OutboxRecord{
		Outbox: gtbx.Outbox{
			AggregateType: "Event",
			AggregateId:   "aggregateID",
			EventType:     eventType,
			Payload:       []byte("payload"),
		},
		Id:        testMsgId,
		CreatedAt: testCreatedAt,
	}
	wantMsg := func() *kafka.Message {
		topic := BuildTopicName(eventType)
		return &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Key:            []byte("aggregateID"),
			Value:          []byte("payload"),
			Headers: []kafka.Header{
				{Key: HeaderId, Value: []byte(testMsgId.String())},
				{Key: HeaderType, Value: []byte(eventType)},
				{Key: HeaderContentType, Value: []byte("application/json")},
				{Key: HeaderCreatedAt, Value: []byte(strconv.FormatInt(testCreatedAt.UnixMilli(), 10))},
			},
		}
	}
	deliveryReport := func(err error) *kafka.Message {
		topic := BuildTopicName(eventType)
		return &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: 7, Error: err},
		}
	}

	testcases := []struct {
		name       string
		report     kafka.Event
		produceErr error
		timeout    time.Duration
		wantErr    bool
	}{
		{
			name:   "successful delivery report",
			report: deliveryReport(nil),
		},
		{
			name:    "delivery report with error",
			report:  deliveryReport(errors.New("not enough replicas")),
			wantErr: true,
		},
		{
			name:       "produce error",
			produceErr: errors.New("queue full"),
			wantErr:    true,
		},
		{
			name:    "report different than kafka.Message and timeout",
			report:  &test.MockedKafkaEvent{},
			timeout: 50 * time.Millisecond,
			wantErr: true,
		},
		{
			name:    "no report at all and timeout",
			timeout: 50 * time.Millisecond,
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			snitch := make(chan *kafka.Message, 1)
			e := &Emitter{
				producer: &test.MockedKafkaProducer{
					Snitch:             snitch,
					MockedReportToSend: tc.report,
					RetVal:             tc.produceErr,
				},
				logger: &gtbx.NopLogger{},
			}
			ctx := context.Background()
			if tc.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tc.timeout)
				defer cancel()
			}

			err := e.Emit(ctx, record)

			assert.Equal(t, wantMsg(), <-snitch)
			test.AssertError(t, err, tc.wantErr)
		})
	}
}
