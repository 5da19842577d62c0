package app

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/google/uuid"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
	maxLocationLength    = 500
	maxEmailLength       = 256
)

// Response is the answer of a guest to an invitation.
type Response string

const (
	Accept  Response = "Accept"
	Decline Response = "Decline"
)

type CreateEvent struct {
	OrganizerID string
	Title       string
	Description *string
	DateTime    time.Time
	Location    *string
	Capacity    *int
}

func (c CreateEvent) Validate() error {
	if strings.TrimSpace(c.OrganizerID) == "" {
		return domain.ErrOrganizerRequired
	}
	return validateDetails(c.details())
}

func (c CreateEvent) details() domain.Details {
	return domain.Details{
		Title:       c.Title,
		Description: c.Description,
		DateTime:    c.DateTime,
		Location:    c.Location,
		Capacity:    c.Capacity,
	}
}

type UpdateEvent struct {
	EventID     uuid.UUID
	OrganizerID string
	Title       string
	Description *string
	DateTime    time.Time
	Location    *string
	Capacity    *int
}

func (c UpdateEvent) Validate() error {
	if c.EventID == uuid.Nil {
		return validationError("event id is required")
	}
	return validateDetails(c.details())
}

func (c UpdateEvent) details() domain.Details {
	return domain.Details{
		Title:       c.Title,
		Description: c.Description,
		DateTime:    c.DateTime,
		Location:    c.Location,
		Capacity:    c.Capacity,
	}
}

// EventCommand targets an event as a whole: publishing or cancelling it.
type EventCommand struct {
	EventID     uuid.UUID
	OrganizerID string
}

func (c EventCommand) Validate() error {
	if c.EventID == uuid.Nil {
		return validationError("event id is required")
	}
	return nil
}

type SendInvitation struct {
	EventID          uuid.UUID
	OrganizerID      string
	ParticipantEmail string
}

func (c SendInvitation) Validate() error {
	if c.EventID == uuid.Nil {
		return validationError("event id is required")
	}
	return validateEmail(c.ParticipantEmail)
}

// InvitationCommand targets one invitation of an event: cancelling it or
// reissuing its token.
type InvitationCommand struct {
	EventID      uuid.UUID
	InvitationID uuid.UUID
	OrganizerID  string
}

func (c InvitationCommand) Validate() error {
	if c.EventID == uuid.Nil || c.InvitationID == uuid.Nil {
		return validationError("event id and invitation id are required")
	}
	return nil
}

type RespondToInvitation struct {
	InvitationID uuid.UUID
	RawToken     string
	Response     Response
}

func (c RespondToInvitation) Validate() error {
	if c.InvitationID == uuid.Nil {
		return validationError("invitation id is required")
	}
	if strings.TrimSpace(c.RawToken) == "" {
		return validationError("the RSVP token is required")
	}
	if c.Response != Accept && c.Response != Decline {
		return validationError(fmt.Sprintf("unknown response %q", c.Response))
	}
	return nil
}

// ValidationError reports a malformed command. It matches domain.ErrValidation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return domain.ErrValidation
}

func validationError(reason string) error {
	return &ValidationError{Reason: reason}
}

func validateDetails(d domain.Details) error {
	title := strings.TrimSpace(d.Title)
	switch {
	case title == "":
		return domain.ErrTitleRequired
	case utf8.RuneCountInString(title) > maxTitleLength:
		return validationError(fmt.Sprintf("title must not exceed %d characters", maxTitleLength))
	case d.Description != nil && utf8.RuneCountInString(*d.Description) > maxDescriptionLength:
		return validationError(fmt.Sprintf("description must not exceed %d characters", maxDescriptionLength))
	case d.Location != nil && utf8.RuneCountInString(*d.Location) > maxLocationLength:
		return validationError(fmt.Sprintf("location must not exceed %d characters", maxLocationLength))
	case d.Capacity != nil && *d.Capacity <= 0:
		return validationError("capacity must be a positive number")
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.ErrEmailRequired
	}
	if len(email) > maxEmailLength {
		return validationError(fmt.Sprintf("email must not exceed %d characters", maxEmailLength))
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return validationError(fmt.Sprintf("%q is not a valid email address", email))
	}
	return nil
}
