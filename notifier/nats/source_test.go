package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	natsemitter "github.com/3rs4lg4d0/eventhub/emitter/nats"
	"github.com/3rs4lg4d0/eventhub/notifier"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	header  nats.Header
	data    []byte
	acked   bool
	termed  bool
	nakedIn time.Duration
}

func newFakeMessage(id string) *fakeMessage {
	h := nats.Header{}
	h.Set(nats.MsgIdHdr, id)
	h.Set(natsemitter.HeaderEventType, domain.EventCancelledType)
	h.Set(natsemitter.HeaderContentType, "application/json")
	return &fakeMessage{header: h, data: []byte(`{}`), nakedIn: -1}
}

func (m *fakeMessage) Data() []byte         { return m.data }
func (m *fakeMessage) Headers() nats.Header { return m.header }
func (m *fakeMessage) Subject() string      { return "eventhub.outbox.event-cancelled" }
func (m *fakeMessage) Ack() error           { m.acked = true; return nil }
func (m *fakeMessage) Term() error          { m.termed = true; return nil }

func (m *fakeMessage) NakWithDelay(d time.Duration) error {
	m.nakedIn = d
	return nil
}

type fakeHandler struct {
	received []notifier.Message
	err      error
}

func (h *fakeHandler) Handle(_ context.Context, m notifier.Message) error {
	h.received = append(h.received, m)
	return h.err
}

type fakeConsumeContext struct {
	jetstream.ConsumeContext
	stopped bool
}

func (c *fakeConsumeContext) Stop() { c.stopped = true }

type fakeConsumer struct {
	handler jetstream.MessageHandler
	cc      *fakeConsumeContext
	err     error
	started chan struct{}
}

func (c *fakeConsumer) Consume(h jetstream.MessageHandler, _ ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.handler = h
	close(c.started)
	return c.cc, nil
}

func TestNew(t *testing.T) {
	var nilConsumer *fakeConsumer
	testcases := []struct {
		name      string
		consumer  consumer
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

func TestProcess(t *testing.T) {
	testcases := []struct {
		name       string
		handlerErr error
		wantAck    bool
		wantTerm   bool
		wantNak    time.Duration
	}{
		{name: "handled message is acked", wantAck: true, wantNak: -1},
		{
			name:       "malformed message is terminated",
			handlerErr: fmt.Errorf("could not handle message 1: %w", notifier.ErrMalformedPayload),
			wantTerm:   true,
			wantNak:    -1,
		},
		{name: "failed message is redelivered later", handlerErr: errors.New("smtp down"), wantNak: 30 * time.Second},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			handler := &fakeHandler{err: tc.handlerErr}
			s := New(&fakeConsumer{}, handler, WithRetryDelay(30*time.Second))
			msg := newFakeMessage("1")

			s.process(context.Background(), msg)

			require.Len(t, handler.received, 1)
			assert.Equal(t, notifier.Message{
				ID:          "1",
				Type:        domain.EventCancelledType,
				ContentType: "application/json",
				Payload:     []byte(`{}`),
			}, handler.received[0])
			assert.Equal(t, tc.wantAck, msg.acked)
			assert.Equal(t, tc.wantTerm, msg.termed)
			assert.Equal(t, tc.wantNak, msg.nakedIn)
		})
	}
}

func TestRun(t *testing.T) {
	cc := &fakeConsumeContext{}
	c := &fakeConsumer{cc: cc, started: make(chan struct{})}
	s := New(c, &fakeHandler{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-c.started
	cancel()

	assert.NoError(t, <-done)
	assert.True(t, cc.stopped)
	assert.NotNil(t, c.handler)
}

func TestRunConsumeError(t *testing.T) {
	s := New(&fakeConsumer{err: errors.New("no responders")}, &fakeHandler{})
	assert.ErrorContains(t, s.Run(context.Background()), "no responders")
}
