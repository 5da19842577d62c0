package pgxv5

import (
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/google/uuid"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    *uuid.UUID
	lockedAt    *time.Time
	lockedUntil *time.Time
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy,
		o.lockedUntil,
		o.version)
}

// heldAt reports whether the lease is still valid at now.
func (o *outboxLock) heldAt(now time.Time) bool {
	return o.locked && o.lockedUntil != nil && o.lockedUntil.After(now)
}

type dispatcherSubscription struct {
	id           int
	dispatcherId uuid.UUID
	aliveAt      time.Time
	version      int64
}

type eventRow struct {
	id          uuid.UUID
	title       string
	description *string
	dateTime    time.Time
	location    *string
	capacity    *int
	status      string
	organizerID string
	createdAt   time.Time
	updatedAt   time.Time
	version     int64
}

func (e *eventRow) fields() []any {
	return []any{&e.id, &e.title, &e.description, &e.dateTime, &e.location, &e.capacity,
		&e.status, &e.organizerID, &e.createdAt, &e.updatedAt, &e.version}
}

func (e *eventRow) snapshot(invitations []domain.InvitationSnapshot) domain.EventSnapshot {
	return domain.EventSnapshot{
		ID:          e.id,
		Title:       e.title,
		Description: e.description,
		DateTime:    e.dateTime.UTC(),
		Location:    e.location,
		Capacity:    e.capacity,
		Status:      domain.EventStatus(e.status),
		OrganizerID: e.organizerID,
		CreatedAt:   e.createdAt.UTC(),
		UpdatedAt:   e.updatedAt.UTC(),
		Version:     e.version,
		Invitations: invitations,
	}
}

type invitationRow struct {
	id               uuid.UUID
	eventID          uuid.UUID
	participantEmail string
	status           string
	sentAt           time.Time
	respondedAt      *time.Time
	tokenHash        *string
	tokenExpiresAt   *time.Time
}

func (i *invitationRow) fields() []any {
	return []any{&i.id, &i.eventID, &i.participantEmail, &i.status, &i.sentAt,
		&i.respondedAt, &i.tokenHash, &i.tokenExpiresAt}
}

func (i *invitationRow) snapshot() domain.InvitationSnapshot {
	return domain.InvitationSnapshot{
		ID:               i.id,
		EventID:          i.eventID,
		ParticipantEmail: i.participantEmail,
		Status:           domain.InvitationStatus(i.status),
		SentAt:           i.sentAt.UTC(),
		RespondedAt:      utc(i.respondedAt),
		TokenHash:        i.tokenHash,
		TokenExpiresAt:   utc(i.tokenExpiresAt),
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
