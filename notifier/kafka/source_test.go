package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	kafkaemitter "github.com/3rs4lg4d0/eventhub/emitter/kafka"
	"github.com/3rs4lg4d0/eventhub/notifier"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type read struct {
	msg *kafka.Message
	err error
}

// fakeConsumer serves the queued reads and cancels the run once they are
// exhausted.
type fakeConsumer struct {
	reads     []read
	cancel    context.CancelFunc
	committed []kafka.Offset
	seeks     []kafka.Offset
}

func (c *fakeConsumer) ReadMessage(_ time.Duration) (*kafka.Message, error) {
	if len(c.reads) == 0 {
		c.cancel()
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	return r.msg, r.err
}

func (c *fakeConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.committed = append(c.committed, m.TopicPartition.Offset)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (c *fakeConsumer) Seek(tp kafka.TopicPartition, _ int) error {
	c.seeks = append(c.seeks, tp.Offset)
	return nil
}

type fakeHandler struct {
	received []notifier.Message
	errs     map[string]error
}

func (h *fakeHandler) Handle(_ context.Context, m notifier.Message) error {
	h.received = append(h.received, m)
	return h.errs[m.ID]
}

func message(id string, offset kafka.Offset) *kafka.Message {
	topic := kafkaemitter.BuildTopicName(domain.InvitationSentType)
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: offset},
		Value:          []byte(`{}`),
		Headers: []kafka.Header{
			{Key: kafkaemitter.HeaderId, Value: []byte(id)},
			{Key: kafkaemitter.HeaderType, Value: []byte(domain.InvitationSentType)},
			{Key: kafkaemitter.HeaderContentType, Value: []byte("application/json")},
		},
	}
}

func TestNew(t *testing.T) {
	var nilConsumer *fakeConsumer
	testcases := []struct {
		name      string
		consumer  kafkaConsumer
		handler   Handler
		wantPanic bool
	}{
		{name: "valid consumer and handler", consumer: &fakeConsumer{}, handler: &fakeHandler{}},
		{name: "consumer is nil", consumer: nil, handler: &fakeHandler{}, wantPanic: true},
		{name: "consumer is a typed nil", consumer: nilConsumer, handler: &fakeHandler{}, wantPanic: true},
		{name: "handler is nil", consumer: &fakeConsumer{}, handler: nil, wantPanic: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() { New(tc.consumer, tc.handler) })
			} else {
				assert.NotPanics(t, func() { New(tc.consumer, tc.handler) })
			}
		})
	}
}

func TestRun(t *testing.T) {
	testcases := []struct {
		name          string
		reads         []read
		errs          map[string]error
		wantErr       bool
		wantReceived  []string
		wantCommitted []kafka.Offset
		wantSeeks     []kafka.Offset
	}{
		{
			name:          "handled messages are committed",
			reads:         []read{{msg: message("a", 1)}, {msg: message("b", 2)}},
			wantReceived:  []string{"a", "b"},
			wantCommitted: []kafka.Offset{1, 2},
		},
		{
			name:          "malformed messages are committed",
			reads:         []read{{msg: message("a", 1)}},
			errs:          map[string]error{"a": fmt.Errorf("could not handle message a: %w", notifier.ErrMalformedPayload)},
			wantReceived:  []string{"a"},
			wantCommitted: []kafka.Offset{1},
		},
		{
			name:         "failed messages are sought back",
			reads:        []read{{msg: message("a", 7)}},
			errs:         map[string]error{"a": errors.New("smtp down")},
			wantReceived: []string{"a"},
			wantSeeks:    []kafka.Offset{7},
		},
		{
			name:          "transient read errors are skipped",
			reads:         []read{{err: kafka.NewError(kafka.ErrTransport, "broker down", false)}, {msg: message("a", 3)}},
			wantReceived:  []string{"a"},
			wantCommitted: []kafka.Offset{3},
		},
		{
			name:    "fatal read errors stop the source",
			reads:   []read{{err: kafka.NewError(kafka.ErrFatal, "fenced", true)}, {msg: message("a", 3)}},
			wantErr: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			consumer := &fakeConsumer{reads: tc.reads, cancel: cancel}
			handler := &fakeHandler{errs: tc.errs}

			err := New(consumer, handler, WithRetryDelay(0)).Run(ctx)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			var received []string
			for _, m := range handler.received {
				received = append(received, m.ID)
			}
			assert.Equal(t, tc.wantReceived, received)
			assert.Equal(t, tc.wantCommitted, consumer.committed)
			assert.Equal(t, tc.wantSeeks, consumer.seeks)
		})
	}
}

func TestToMessage(t *testing.T) {
	m := toMessage(message("a", 1))
	assert.Equal(t, notifier.Message{
		ID:          "a",
		Type:        domain.InvitationSentType,
		Payload:     []byte(`{}`),
		ContentType: "application/json",
	}, m)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, []string{
		"outbox-invitation-sent",
		"outbox-invitation-responded",
		"outbox-event-cancelled",
	}, Topics())
}
