package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "Pending"
	InvitationAccepted  InvitationStatus = "Accepted"
	InvitationDeclined  InvitationStatus = "Declined"
	InvitationCancelled InvitationStatus = "Cancelled"
)

// RSVPToken is the stored half of a magic link: the hash of the raw token
// and its expiry.
type RSVPToken struct {
	Hash      string
	ExpiresAt time.Time
}

// Invitation is owned by an Event and can only be mutated through it. The
// values handed out by the aggregate are copies.
type Invitation struct {
	id          uuid.UUID
	eventID     uuid.UUID
	email       string
	status      InvitationStatus
	sentAt      time.Time
	respondedAt *time.Time
	token       *RSVPToken // nil once the invitation left Pending
}

// NormalizeEmail returns the case-insensitive key used to compare
// participant addresses.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (i Invitation) ID() uuid.UUID { return i.id }
func (i Invitation) EventID() uuid.UUID { return i.eventID }
func (i Invitation) ParticipantEmail() string { return i.email }
func (i Invitation) Status() InvitationStatus { return i.status }
func (i Invitation) SentAt() time.Time { return i.sentAt }
func (i Invitation) RespondedAt() *time.Time { return clone(i.respondedAt) }
func (i Invitation) IsActive() bool { return i.status != InvitationCancelled }
func (i Invitation) IsPending() bool { return i.status == InvitationPending }
func (i Invitation) hasEmail(normalized string) bool { return i.email == normalized }

// Token returns the active token, if any. A token is present if and only if
// the invitation is pending.
func (i Invitation) Token() (RSVPToken, bool) {
	if i.token == nil {
		return RSVPToken{}, false
	}
	return *i.token, true
}

func (i *Invitation) respond(status InvitationStatus, now time.Time) {
	i.status = status
	i.respondedAt = &now
	i.token = nil
}

func (i *Invitation) cancel() {
	i.status = InvitationCancelled
	i.token = nil
}

func (i *Invitation) reissue(t RSVPToken) {
	i.token = &t
}
