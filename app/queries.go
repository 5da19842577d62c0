package app

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/google/uuid"
)

type InvitationView struct {
	ID               uuid.UUID
	ParticipantEmail string
	Status           domain.InvitationStatus
	SentAt           time.Time
	RespondedAt      *time.Time
}

type EventDetail struct {
	ID          uuid.UUID
	Title       string
	Description *string
	DateTime    time.Time
	Location    *string
	Capacity    *int
	Status      domain.EventStatus
	OrganizerID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Invitations []InvitationView
}

type EventSummary struct {
	ID            uuid.UUID
	Title         string
	DateTime      time.Time
	Location      *string
	Capacity      *int
	Status        domain.EventStatus
	AcceptedCount int
	PendingCount  int
	CreatedAt     time.Time
}

// GetEvent returns an event with its invitations. Token material is never
// part of the view.
func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (EventDetail, error) {
	e, err := s.events.Load(ctx, id)
	if err != nil {
		return EventDetail{}, err
	}
	d := EventDetail{
		ID:          e.ID(),
		Title:       e.Title(),
		Description: e.Description(),
		DateTime:    e.DateTime(),
		Location:    e.Location(),
		Capacity:    e.Capacity(),
		Status:      e.Status(),
		OrganizerID: e.OrganizerID(),
		CreatedAt:   e.CreatedAt(),
		UpdatedAt:   e.UpdatedAt(),
		Invitations: []InvitationView{},
	}
	for _, i := range e.Invitations() {
		d.Invitations = append(d.Invitations, InvitationView{
			ID:               i.ID(),
			ParticipantEmail: i.ParticipantEmail(),
			Status:           i.Status(),
			SentAt:           i.SentAt(),
			RespondedAt:      i.RespondedAt(),
		})
	}
	return d, nil
}

// ListMyEvents returns the events of an organizer, latest date first.
func (s *Service) ListMyEvents(ctx context.Context, organizerID string) ([]EventSummary, error) {
	events, err := s.events.ListByOrganizer(ctx, organizerID)
	if err != nil {
		return nil, err
	}
	out := make([]EventSummary, 0, len(events))
	for _, e := range events {
		out = append(out, EventSummary{
			ID:            e.ID(),
			Title:         e.Title(),
			DateTime:      e.DateTime(),
			Location:      e.Location(),
			Capacity:      e.Capacity(),
			Status:        e.Status(),
			AcceptedCount: e.AcceptedCount(),
			PendingCount:  e.PendingCount(),
			CreatedAt:     e.CreatedAt(),
		})
	}
	return out, nil
}
