// Package notifier turns the domain events relayed from the outbox into
// participant emails.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrMalformedPayload marks messages that can never be handled. Sources
// acknowledge them instead of asking for a redelivery.
var ErrMalformedPayload = errors.New("malformed payload")

// Message is a broker independent view of a relayed outbox record.
type Message struct {
	ID          string
	Type        string
	Payload     []byte
	ContentType string
}

type InvitationEmail struct {
	EventID        uuid.UUID
	InvitationID   uuid.UUID
	To             string
	Subject        string
	EventTitle     string
	EventDateTime  time.Time
	EventLocation  *string
	AcceptURL      string
	DeclineURL     string
	TokenExpiresAt time.Time
}

type CancellationEmail struct {
	EventID       uuid.UUID
	To            string
	Subject       string
	EventTitle    string
	EventDateTime time.Time
}

// Sender delivers the rendered emails.
type Sender interface {
	SendInvitation(ctx context.Context, e InvitationEmail) error
	SendCancellation(ctx context.Context, e CancellationEmail) error
}

type Notifier struct {
	sender        Sender
	baseURL       string
	dedup         *Deduplicator
	logger        zerolog.Logger
	sentCtr       gtbx.Counter
	duplicatedCtr gtbx.Counter
	failedCtr     gtbx.Counter
	handlers      map[string]func(ctx context.Context, m Message) error
}

type Option func(n *Notifier)

// WithDeduplicator skips messages whose id was already handled.
func WithDeduplicator(d *Deduplicator) Option {
	return func(n *Notifier) {
		n.dedup = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
	}
}

// WithCounters configures the counters of sent emails, skipped duplicates
// and failed messages.
func WithCounters(sent, duplicated, failed gtbx.Counter) Option {
	return func(n *Notifier) {
		if sent != nil {
			n.sentCtr = sent
		}
		if duplicated != nil {
			n.duplicatedCtr = duplicated
		}
		if failed != nil {
			n.failedCtr = failed
		}
	}
}

func New(sender Sender, baseURL string, options ...Option) *Notifier {
	if sender == nil {
		panic("sender is mandatory")
	}
	if baseURL == "" {
		panic("baseURL is mandatory")
	}
	n := &Notifier{
		sender:        sender,
		baseURL:       strings.TrimRight(baseURL, "/"),
		logger:        zerolog.Nop(),
		sentCtr:       &gtbx.NopCounter{},
		duplicatedCtr: &gtbx.NopCounter{},
		failedCtr:     &gtbx.NopCounter{},
	}
	n.handlers = map[string]func(ctx context.Context, m Message) error{
		"InvitationSent":      n.invitationSent,
		"EventCancelled":      n.eventCancelled,
		"InvitationResponded": n.invitationResponded,
	}
	for _, o := range options {
		o(n)
	}
	return n
}

// Handle routes a message by the last segment of its type. A returned error
// means the message must not be acknowledged. Unknown types are logged and
// acknowledged so that newer producers never block this consumer.
func (n *Notifier) Handle(ctx context.Context, m Message) error {
	log := n.logger.With().Str("message_id", m.ID).Str("type", m.Type).Logger()
	if n.dedup != nil && m.ID != "" && n.dedup.Seen(m.ID) {
		log.Debug().Msg("duplicate message skipped")
		n.duplicatedCtr.Inc(1)
		return nil
	}

	handler, ok := n.handlers[typeName(m.Type)]
	if !ok {
		log.Warn().Msg("unrecognized message type, acknowledging without processing")
		return nil
	}
	if err := handler(ctx, m); err != nil {
		n.failedCtr.Inc(1)
		return fmt.Errorf("could not handle message %s: %w", m.ID, err)
	}
	if n.dedup != nil && m.ID != "" {
		n.dedup.Mark(m.ID)
	}
	log.Debug().Msg("message handled")
	return nil
}

func (n *Notifier) invitationSent(ctx context.Context, m Message) error {
	var evt domain.InvitationSent
	if err := decode(m, &evt); err != nil {
		return err
	}
	err := n.sender.SendInvitation(ctx, InvitationEmail{
		EventID:        evt.EventID,
		InvitationID:   evt.InvitationID,
		To:             evt.ParticipantEmail,
		Subject:        fmt.Sprintf("You're invited: %s", evt.EventTitle),
		EventTitle:     evt.EventTitle,
		EventDateTime:  evt.EventDateTime,
		EventLocation:  evt.EventLocation,
		AcceptURL:      RSVPLink(n.baseURL, evt.InvitationID, evt.RSVPToken, "Accept"),
		DeclineURL:     RSVPLink(n.baseURL, evt.InvitationID, evt.RSVPToken, "Decline"),
		TokenExpiresAt: evt.TokenExpiresAt,
	})
	if err != nil {
		return err
	}
	n.sentCtr.Inc(1)
	return nil
}

func (n *Notifier) eventCancelled(ctx context.Context, m Message) error {
	var evt domain.EventCancelled
	if err := decode(m, &evt); err != nil {
		return err
	}
	for _, email := range evt.AffectedParticipantEmails {
		err := n.sender.SendCancellation(ctx, CancellationEmail{
			EventID:       evt.EventID,
			To:            email,
			Subject:       fmt.Sprintf("Cancelled: %s", evt.EventTitle),
			EventTitle:    evt.EventTitle,
			EventDateTime: evt.EventDateTime,
		})
		if err != nil {
			return err
		}
		n.sentCtr.Inc(1)
	}
	return nil
}

// invitationResponded sends nothing: organizers look the responses up.
func (n *Notifier) invitationResponded(_ context.Context, m Message) error {
	var evt domain.InvitationResponded
	if err := decode(m, &evt); err != nil {
		return err
	}
	n.logger.Info().
		Str("message_id", m.ID).
		Str("event_id", evt.EventID.String()).
		Str("invitation_id", evt.InvitationID.String()).
		Str("response", string(evt.Response)).
		Msg("invitation response received, no email required")
	return nil
}

func decode(m Message, v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func typeName(t string) string {
	if i := strings.LastIndex(t, "."); i >= 0 {
		return t[i+1:]
	}
	return t
}

// RSVPLink builds the link a participant follows to answer an invitation.
func RSVPLink(baseURL string, invitationID uuid.UUID, rawToken, response string) string {
	return fmt.Sprintf("%s/rsvp/%s?token=%s&response=%s",
		strings.TrimRight(baseURL, "/"), invitationID, url.QueryEscape(rawToken), response)
}
