package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	StatusDraft     EventStatus = "Draft"
	StatusPublished EventStatus = "Published"
	StatusCancelled EventStatus = "Cancelled"
)

// Details groups the organizer-editable attributes of an event.
type Details struct {
	Title       string
	Description *string
	DateTime    time.Time
	Location    *string
	Capacity    *int // nil means unlimited
}

// InvitationParams holds the token material generated by the caller for a
// new invitation. A zero ID makes the aggregate allocate one.
type InvitationParams struct {
	ID        uuid.UUID
	Email     string
	RawToken  string
	TokenHash string
	ExpiresAt time.Time
}

// Event is the aggregate root. Every mutation either fails without touching
// the state or succeeds and returns the domain events it raised.
type Event struct {
	id          uuid.UUID
	title       string
	description *string
	dateTime    time.Time
	location    *string
	capacity    *int
	status      EventStatus
	organizerID string
	createdAt   time.Time
	updatedAt   time.Time
	version     int64
	invitations []*Invitation
}

// Create builds a new Draft event owned by organizerID.
func Create(d Details, organizerID string, now time.Time) (*Event, error) {
	if strings.TrimSpace(organizerID) == "" {
		return nil, ErrOrganizerRequired
	}
	d, err := checkDetails(d, now)
	if err != nil {
		return nil, err
	}
	return &Event{
		id:          uuid.New(),
		title:       d.Title,
		description: d.Description,
		dateTime:    d.DateTime,
		location:    d.Location,
		capacity:    d.Capacity,
		status:      StatusDraft,
		organizerID: organizerID,
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// Update replaces the event details. Allowed while Draft or Published.
func (e *Event) Update(d Details, now time.Time) error {
	if e.status == StatusCancelled {
		return ErrEventCancelled
	}
	d, err := checkDetails(d, now)
	if err != nil {
		return err
	}
	e.title = d.Title
	e.description = d.Description
	e.dateTime = d.DateTime
	e.location = d.Location
	e.capacity = d.Capacity
	e.updatedAt = now
	return nil
}

func (e *Event) Publish(now time.Time) error {
	if e.status != StatusDraft {
		return fmt.Errorf("current status is %s: %w", e.status, ErrEventNotDraft)
	}
	e.status = StatusPublished
	e.updatedAt = now
	return nil
}

// Cancel moves the event to its terminal state and notifies everyone with a
// pending or accepted invitation.
func (e *Event) Cancel(now time.Time) ([]DomainEvent, error) {
	if e.status == StatusCancelled {
		return nil, ErrEventCancelled
	}
	affected := []string{}
	for _, i := range e.invitations {
		if i.status == InvitationPending || i.status == InvitationAccepted {
			affected = append(affected, i.email)
		}
	}
	e.status = StatusCancelled
	e.updatedAt = now
	return []DomainEvent{EventCancelled{
		EventID:                   e.id,
		EventTitle:                e.title,
		EventDateTime:             e.dateTime,
		AffectedParticipantEmails: affected,
	}}, nil
}

// AddInvitation invites a participant to a published event. At most one
// non-cancelled invitation may exist per normalized address.
func (e *Event) AddInvitation(p InvitationParams, now time.Time) (Invitation, []DomainEvent, error) {
	if e.status != StatusPublished {
		return Invitation{}, nil, fmt.Errorf("current status is %s: %w", e.status, ErrEventNotPublished)
	}
	email := NormalizeEmail(p.Email)
	if email == "" {
		return Invitation{}, nil, ErrEmailRequired
	}
	for _, i := range e.invitations {
		if i.hasEmail(email) && i.IsActive() {
			return Invitation{}, nil, fmt.Errorf("%s: %w", email, ErrDuplicateInvitation)
		}
	}
	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	inv := &Invitation{
		id:      id,
		eventID: e.id,
		email:   email,
		status:  InvitationPending,
		sentAt:  now,
		token:   &RSVPToken{Hash: p.TokenHash, ExpiresAt: p.ExpiresAt},
	}
	e.invitations = append(e.invitations, inv)
	e.updatedAt = now
	return *inv, []DomainEvent{e.invitationSent(inv, p.RawToken, p.ExpiresAt)}, nil
}

// AcceptInvitation enforces the capacity limit before accepting.
func (e *Event) AcceptInvitation(id uuid.UUID, now time.Time) ([]DomainEvent, error) {
	if e.status == StatusCancelled {
		return nil, ErrEventCancelled
	}
	if e.capacity != nil && e.AcceptedCount() >= *e.capacity {
		return nil, ErrCapacityReached
	}
	return e.respond(id, InvitationAccepted, now)
}

func (e *Event) DeclineInvitation(id uuid.UUID, now time.Time) ([]DomainEvent, error) {
	if e.status == StatusCancelled {
		return nil, ErrEventCancelled
	}
	return e.respond(id, InvitationDeclined, now)
}

// CancelInvitation withdraws a pending invitation. No notification is sent.
func (e *Event) CancelInvitation(id uuid.UUID, now time.Time) error {
	if e.status == StatusCancelled {
		return ErrEventCancelled
	}
	inv, err := e.pendingInvitation(id)
	if err != nil {
		return err
	}
	inv.cancel()
	e.updatedAt = now
	return nil
}

// ReissueInvitationToken replaces the token of a pending invitation and sends
// the new magic link.
func (e *Event) ReissueInvitationToken(id uuid.UUID, rawToken, tokenHash string, expiresAt, now time.Time) ([]DomainEvent, error) {
	if e.status == StatusCancelled {
		return nil, ErrEventCancelled
	}
	inv, err := e.pendingInvitation(id)
	if err != nil {
		return nil, err
	}
	inv.reissue(RSVPToken{Hash: tokenHash, ExpiresAt: expiresAt})
	e.updatedAt = now
	return []DomainEvent{e.invitationSent(inv, rawToken, expiresAt)}, nil
}

func (e *Event) respond(id uuid.UUID, status InvitationStatus, now time.Time) ([]DomainEvent, error) {
	inv, err := e.pendingInvitation(id)
	if err != nil {
		return nil, err
	}
	inv.respond(status, now)
	e.updatedAt = now
	return []DomainEvent{InvitationResponded{
		EventID:          e.id,
		InvitationID:     inv.id,
		ParticipantEmail: inv.email,
		Response:         status,
	}}, nil
}

func (e *Event) invitationSent(inv *Invitation, rawToken string, expiresAt time.Time) InvitationSent {
	return InvitationSent{
		EventID:          e.id,
		EventTitle:       e.title,
		EventDateTime:    e.dateTime,
		EventLocation:    e.location,
		InvitationID:     inv.id,
		ParticipantEmail: inv.email,
		RSVPToken:        rawToken,
		TokenExpiresAt:   expiresAt,
	}
}

func (e *Event) findInvitation(id uuid.UUID) *Invitation {
	for _, i := range e.invitations {
		if i.id == id {
			return i
		}
	}
	return nil
}

func (e *Event) pendingInvitation(id uuid.UUID) (*Invitation, error) {
	inv := e.findInvitation(id)
	if inv == nil {
		return nil, fmt.Errorf("invitation %s: %w", id, ErrInvitationNotFound)
	}
	if inv.status != InvitationPending {
		return nil, fmt.Errorf("invitation %s is %s: %w", id, inv.status, ErrInvitationNotPending)
	}
	return inv, nil
}

func (e *Event) ID() uuid.UUID { return e.id }
func (e *Event) Title() string { return e.title }
func (e *Event) Description() *string { return clone(e.description) }
func (e *Event) DateTime() time.Time { return e.dateTime }
func (e *Event) Location() *string { return clone(e.location) }
func (e *Event) Capacity() *int { return clone(e.capacity) }
func (e *Event) Status() EventStatus { return e.status }
func (e *Event) OrganizerID() string { return e.organizerID }
func (e *Event) CreatedAt() time.Time { return e.createdAt }
func (e *Event) UpdatedAt() time.Time { return e.updatedAt }
func (e *Event) Version() int64 { return e.version }

// MarkPersisted records the version assigned by the store after a save.
func (e *Event) MarkPersisted(version int64) {
	e.version = version
}

// Invitation returns a copy of the invitation with the given id.
func (e *Event) Invitation(id uuid.UUID) (Invitation, bool) {
	inv := e.findInvitation(id)
	if inv == nil {
		return Invitation{}, false
	}
	return *inv, true
}

// Invitations returns copies of the invitations in the order they were sent.
func (e *Event) Invitations() []Invitation {
	out := make([]Invitation, 0, len(e.invitations))
	for _, i := range e.invitations {
		out = append(out, *i)
	}
	return out
}

func (e *Event) AcceptedCount() int {
	return e.countByStatus(InvitationAccepted)
}

func (e *Event) PendingCount() int {
	return e.countByStatus(InvitationPending)
}

func (e *Event) countByStatus(s InvitationStatus) int {
	n := 0
	for _, i := range e.invitations {
		if i.status == s {
			n++
		}
	}
	return n
}

func checkDetails(d Details, now time.Time) (Details, error) {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return d, ErrTitleRequired
	}
	if !d.DateTime.After(now) {
		return d, ErrDateNotInFuture
	}
	if d.Capacity != nil && *d.Capacity <= 0 {
		return d, ErrInvalidCapacity
	}
	d.Description = trimmed(d.Description)
	d.Location = trimmed(d.Location)
	if d.Capacity != nil {
		c := *d.Capacity
		d.Capacity = &c
	}
	return d, nil
}

// clone copies the value behind p so callers never share the aggregate's
// fields.
func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}
