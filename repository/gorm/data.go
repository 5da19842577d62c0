package gorm

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/google/uuid"
)

type outboxLock struct {
	ID          int
	Locked      bool
	LockedBy    uuid.UUID
	LockedAt    sql.NullTime
	LockedUntil sql.NullTime
	Version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.Locked,
		o.LockedBy,
		o.LockedAt,
		o.LockedUntil,
		o.Version)
}

func (o *outboxLock) heldAt(now time.Time) bool {
	return o.Locked && o.LockedUntil.Valid && o.LockedUntil.Time.After(now)
}

type dispatcherSubscription struct {
	ID           int
	DispatcherId uuid.UUID
	AliveAt      sql.NullTime
	Version      int64
}

type eventModel struct {
	ID          uuid.UUID `gorm:"primaryKey"`
	Title       string
	Description *string
	DateTime    time.Time
	Location    *string
	Capacity    *int
	Status      string
	OrganizerID string
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
	Version     int64
}

func (eventModel) TableName() string { return "events" }

func newEventModel(s domain.EventSnapshot) *eventModel {
	return &eventModel{
		ID:          s.ID,
		Title:       s.Title,
		Description: s.Description,
		DateTime:    s.DateTime,
		Location:    s.Location,
		Capacity:    s.Capacity,
		Status:      string(s.Status),
		OrganizerID: s.OrganizerID,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Version:     1,
	}
}

func (m *eventModel) snapshot(invitations []invitationModel) domain.EventSnapshot {
	s := domain.EventSnapshot{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		DateTime:    m.DateTime.UTC(),
		Location:    m.Location,
		Capacity:    m.Capacity,
		Status:      domain.EventStatus(m.Status),
		OrganizerID: m.OrganizerID,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		Version:     m.Version,
	}
	for _, i := range invitations {
		s.Invitations = append(s.Invitations, i.snapshot())
	}
	return s
}

type invitationModel struct {
	ID               uuid.UUID `gorm:"primaryKey"`
	EventID          uuid.UUID
	ParticipantEmail string
	Status           string
	SentAt           time.Time
	RespondedAt      *time.Time
	TokenHash        *string
	TokenExpiresAt   *time.Time
	Position         int
}

func (invitationModel) TableName() string { return "invitations" }

func newInvitationModel(eventID uuid.UUID, pos int, s domain.InvitationSnapshot) *invitationModel {
	return &invitationModel{
		ID:               s.ID,
		EventID:          eventID,
		ParticipantEmail: s.ParticipantEmail,
		Status:           string(s.Status),
		SentAt:           s.SentAt,
		RespondedAt:      s.RespondedAt,
		TokenHash:        s.TokenHash,
		TokenExpiresAt:   s.TokenExpiresAt,
		Position:         pos,
	}
}

func (m *invitationModel) snapshot() domain.InvitationSnapshot {
	return domain.InvitationSnapshot{
		ID:               m.ID,
		EventID:          m.EventID,
		ParticipantEmail: m.ParticipantEmail,
		Status:           domain.InvitationStatus(m.Status),
		SentAt:           m.SentAt.UTC(),
		RespondedAt:      utc(m.RespondedAt),
		TokenHash:        m.TokenHash,
		TokenExpiresAt:   utc(m.TokenExpiresAt),
	}
}

type outboxModel struct {
	ID            uuid.UUID `gorm:"primaryKey"`
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	PublishedAt   *time.Time
	LastError     *string
	RetryCount    int
	NextAttemptAt *time.Time
}

func (outboxModel) TableName() string { return "outbox" }

func (m *outboxModel) record() *gtbx.OutboxRecord {
	return &gtbx.OutboxRecord{
		Outbox: gtbx.Outbox{
			AggregateType: m.AggregateType,
			AggregateId:   m.AggregateID,
			EventType:     m.EventType,
			Payload:       m.Payload,
		},
		Id:            m.ID,
		CreatedAt:     m.CreatedAt,
		PublishedAt:   m.PublishedAt,
		LastError:     m.LastError,
		RetryCount:    m.RetryCount,
		NextAttemptAt: m.NextAttemptAt,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
