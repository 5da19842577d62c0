package nats

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/iancoleman/strcase"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Header keys set on every published message.
const (
	HeaderEventType   = "Event-Type"
	HeaderContentType = "Content-Type"
	HeaderAggregateId = "Aggregate-Id"
	HeaderCreatedAt   = "Created-At"
)

// publisher is the subset of jetstream.JetStream used by the emitter.
type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Emitter publishes outbox records to a JetStream stream. The record id is
// sent as the Nats-Msg-Id so the stream drops redeliveries inside its
// duplicate window.
type Emitter struct {
	js            publisher
	subjectPrefix string
	logger        gtbx.Logger
}

var _ gtbx.Emitter = (*Emitter)(nil)
var _ gtbx.Loggable = (*Emitter)(nil)

func New(js publisher, subjectPrefix string) *Emitter {
	if js == nil || reflect.ValueOf(js).IsNil() {
		panic("JetStream is mandatory")
	}
	if subjectPrefix == "" {
		panic("subjectPrefix is mandatory")
	}
	return &Emitter{
		js:            js,
		subjectPrefix: subjectPrefix,
		logger:        &gtbx.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l gtbx.Logger) {
	e.logger = l
}

func (e *Emitter) Emit(ctx context.Context, o *gtbx.OutboxRecord) error {
	msg := &nats.Msg{
		Subject: BuildSubject(e.subjectPrefix, o.EventType),
		Data:    o.Payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderEventType, o.EventType)
	msg.Header.Set(HeaderContentType, gtbx.ContentType)
	msg.Header.Set(HeaderAggregateId, o.AggregateId)
	msg.Header.Set(HeaderCreatedAt, o.CreatedAt.UTC().Format(time.RFC3339Nano))

	ack, err := e.js.PublishMsg(ctx, msg, jetstream.WithMsgID(o.Id.String()))
	if err != nil {
		return fmt.Errorf("could not publish the message: %w", err)
	}
	if ack.Duplicate {
		e.logger.Debug(fmt.Sprintf("outbox record '%s' was already in stream %s", o.Id, ack.Stream))
	} else {
		e.logger.Debug(fmt.Sprintf("published outbox record '%s' to stream %s at sequence %d", o.Id, ack.Stream, ack.Sequence))
	}
	return nil
}

// BuildSubject builds a subject from an event type using its last segment
// (e.g. "eventhub.outbox" and "eventhub.domain.InvitationSent" give
// "eventhub.outbox.invitation-sent").
func BuildSubject(prefix, eventType string) string {
	if i := strings.LastIndex(eventType, "."); i >= 0 {
		eventType = eventType[i+1:]
	}
	return fmt.Sprintf("%s.%s", prefix, strcase.ToKebab(eventType))
}

// StreamConfig describes the stream that receives the outbox records.
type StreamConfig struct {
	Name            string
	SubjectPrefix   string
	MaxAge          time.Duration
	Replicas        int
	DuplicateWindow time.Duration
}

// EnsureStream creates the stream or updates its subjects and duplicate
// window when it already exists.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	sc := jetstream.StreamConfig{
		Name:        cfg.Name,
		Description: "EventHub outbox records",
		Subjects:    []string{fmt.Sprintf("%s.>", cfg.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
		Duplicates:  cfg.DuplicateWindow,
	}
	stream, err := js.CreateOrUpdateStream(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("create or update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}
