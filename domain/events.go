package domain

import (
	"time"

	"github.com/google/uuid"
)

// AggregateType is the outbox aggregate type of every domain event raised by
// the Event aggregate.
const AggregateType = "Event"

// Type discriminators written to the outbox and used as routing keys.
const (
	InvitationSentType      = "eventhub.domain.InvitationSent"
	InvitationRespondedType = "eventhub.domain.InvitationResponded"
	EventCancelledType      = "eventhub.domain.EventCancelled"
)

// DomainEvent is a fact raised by an aggregate mutation. It is never stored
// as is: the unit of work turns it into an outbox record.
type DomainEvent interface {
	EventType() string
	AggregateID() uuid.UUID
}

// InvitationSent carries the one-time raw RSVP token. It is the only place
// the raw token ever travels.
type InvitationSent struct {
	EventID          uuid.UUID `json:"eventId"`
	EventTitle       string    `json:"eventTitle"`
	EventDateTime    time.Time `json:"eventDateTime"`
	EventLocation    *string   `json:"eventLocation,omitempty"`
	InvitationID     uuid.UUID `json:"invitationId"`
	ParticipantEmail string    `json:"participantEmail"`
	RSVPToken        string    `json:"rsvpToken"`
	TokenExpiresAt   time.Time `json:"tokenExpiresAt"`
}

func (InvitationSent) EventType() string { return InvitationSentType }

func (e InvitationSent) AggregateID() uuid.UUID { return e.EventID }

type InvitationResponded struct {
	EventID          uuid.UUID        `json:"eventId"`
	InvitationID     uuid.UUID        `json:"invitationId"`
	ParticipantEmail string           `json:"participantEmail"`
	Response         InvitationStatus `json:"response"`
}

func (InvitationResponded) EventType() string { return InvitationRespondedType }

func (e InvitationResponded) AggregateID() uuid.UUID { return e.EventID }

// EventCancelled lists the participants that still expected the event to
// happen (pending or accepted invitations).
type EventCancelled struct {
	EventID                   uuid.UUID `json:"eventId"`
	EventTitle                string    `json:"eventTitle"`
	EventDateTime             time.Time `json:"eventDateTime"`
	AffectedParticipantEmails []string  `json:"affectedParticipantEmails"`
}

func (EventCancelled) EventType() string { return EventCancelledType }

func (e EventCancelled) AggregateID() uuid.UUID { return e.EventID }
