package domain

import "errors"

// Error kinds. Every error returned by the aggregate matches exactly one of
// them through errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

// Error is a domain failure tagged with its kind.
type Error struct {
	kind error
	msg  string
}

func newError(kind error, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Unwrap exposes the kind so callers can classify the failure.
func (e *Error) Unwrap() error {
	return e.kind
}

var (
	ErrTitleRequired        = newError(ErrValidation, "event title is required")
	ErrOrganizerRequired    = newError(ErrValidation, "event organizer is required")
	ErrEmailRequired        = newError(ErrValidation, "participant email is required")
	ErrDateNotInFuture      = newError(ErrConflict, "event date must be in the future")
	ErrInvalidCapacity      = newError(ErrConflict, "event capacity must be a positive number")
	ErrEventCancelled       = newError(ErrConflict, "cannot modify a cancelled event")
	ErrEventNotDraft        = newError(ErrConflict, "only draft events can be published")
	ErrEventNotPublished    = newError(ErrConflict, "invitations can only be sent for published events")
	ErrDuplicateInvitation  = newError(ErrConflict, "an active invitation already exists for this participant")
	ErrCapacityReached      = newError(ErrConflict, "the event has reached its maximum capacity")
	ErrInvitationNotPending = newError(ErrConflict, "the invitation is no longer pending")
	ErrInvalidToken         = newError(ErrConflict, "the RSVP token is invalid or has expired")
	ErrTokenUsed            = newError(ErrConflict, "the RSVP token has already been used or cancelled")
	ErrEventNotFound        = newError(ErrNotFound, "event not found")
	ErrInvitationNotFound   = newError(ErrNotFound, "invitation not found")
	ErrNotOrganizer         = newError(ErrForbidden, "only the organizer can manage this event")
)
