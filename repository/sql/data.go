package sql

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/google/uuid"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    uuid.NullUUID
	lockedAt    sql.NullTime
	lockedUntil sql.NullTime
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy.UUID,
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}

type dispatcherSubscription struct {
	id           int
	dispatcherId uuid.UUID
	aliveAt      sql.NullTime
	version      int64
}

type eventRow struct {
	id          uuid.UUID
	title       string
	description sql.NullString
	dateTime    sql.NullTime
	location    sql.NullString
	capacity    sql.NullInt32
	status      string
	organizerID string
	createdAt   sql.NullTime
	updatedAt   sql.NullTime
	version     int64
}

func (e *eventRow) fields() []any {
	return []any{&e.id, &e.title, &e.description, &e.dateTime, &e.location, &e.capacity,
		&e.status, &e.organizerID, &e.createdAt, &e.updatedAt, &e.version}
}

func (e *eventRow) snapshot(invitations []domain.InvitationSnapshot) domain.EventSnapshot {
	s := domain.EventSnapshot{
		ID:          e.id,
		Title:       e.title,
		Description: nullString(e.description),
		DateTime:    e.dateTime.Time.UTC(),
		Location:    nullString(e.location),
		Status:      domain.EventStatus(e.status),
		OrganizerID: e.organizerID,
		CreatedAt:   e.createdAt.Time.UTC(),
		UpdatedAt:   e.updatedAt.Time.UTC(),
		Version:     e.version,
		Invitations: invitations,
	}
	if e.capacity.Valid {
		c := int(e.capacity.Int32)
		s.Capacity = &c
	}
	return s
}

type invitationRow struct {
	id               uuid.UUID
	eventID          uuid.UUID
	participantEmail string
	status           string
	sentAt           sql.NullTime
	respondedAt      sql.NullTime
	tokenHash        sql.NullString
	tokenExpiresAt   sql.NullTime
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
		SentAt:           i.sentAt.Time.UTC(),
		RespondedAt:      nullTime(i.respondedAt),
		TokenHash:        nullString(i.tokenHash),
		TokenExpiresAt:   nullTime(i.tokenExpiresAt),
	}
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// heldAt reports whether the lease is still valid at now.
func (o *outboxLock) heldAt(now time.Time) bool {
	return o.locked && o.lockedUntil.Valid && o.lockedUntil.Time.After(now)
}
