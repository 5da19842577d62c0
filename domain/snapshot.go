package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventSnapshot is the flat persistent shape of an Event. Storage adapters
// read and write snapshots, never the aggregate internals.
type EventSnapshot struct {
	ID          uuid.UUID
	Title       string
	Description *string
	DateTime    time.Time
	Location    *string
	Capacity    *int
	Status      EventStatus
	OrganizerID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
	Invitations []InvitationSnapshot
}

type InvitationSnapshot struct {
	ID               uuid.UUID
	EventID          uuid.UUID
	ParticipantEmail string
	Status           InvitationStatus
	SentAt           time.Time
	RespondedAt      *time.Time
	TokenHash        *string
	TokenExpiresAt   *time.Time
}

func (e *Event) Snapshot() EventSnapshot {
	s := EventSnapshot{
		ID:          e.id,
		Title:       e.title,
		Description: clone(e.description),
		DateTime:    e.dateTime,
		Location:    clone(e.location),
		Capacity:    clone(e.capacity),
		Status:      e.status,
		OrganizerID: e.organizerID,
		CreatedAt:   e.createdAt,
		UpdatedAt:   e.updatedAt,
		Version:     e.version,
		Invitations: make([]InvitationSnapshot, 0, len(e.invitations)),
	}
	for _, i := range e.invitations {
		is := InvitationSnapshot{
			ID:               i.id,
			EventID:          e.id,
			ParticipantEmail: i.email,
			Status:           i.status,
			SentAt:           i.sentAt,
			RespondedAt:      clone(i.respondedAt),
		}
		if i.token != nil {
			hash, exp := i.token.Hash, i.token.ExpiresAt
			is.TokenHash = &hash
			is.TokenExpiresAt = &exp
		}
		s.Invitations = append(s.Invitations, is)
	}
	return s
}

// Rehydrate rebuilds an aggregate from its persisted snapshot. A token is
// restored only when both its hash and expiry were stored.
func Rehydrate(s EventSnapshot) *Event {
	e := &Event{
		id:          s.ID,
		title:       s.Title,
		description: clone(s.Description),
		dateTime:    s.DateTime,
		location:    clone(s.Location),
		capacity:    clone(s.Capacity),
		status:      s.Status,
		organizerID: s.OrganizerID,
		createdAt:   s.CreatedAt,
		updatedAt:   s.UpdatedAt,
		version:     s.Version,
		invitations: make([]*Invitation, 0, len(s.Invitations)),
	}
	for _, is := range s.Invitations {
		inv := &Invitation{
			id:          is.ID,
			eventID:     s.ID,
			email:       is.ParticipantEmail,
			status:      is.Status,
			sentAt:      is.SentAt,
			respondedAt: clone(is.RespondedAt),
		}
		if is.TokenHash != nil && is.TokenExpiresAt != nil {
			inv.token = &RSVPToken{Hash: *is.TokenHash, ExpiresAt: *is.TokenExpiresAt}
		}
		e.invitations = append(e.invitations, inv)
	}
	return e
}
