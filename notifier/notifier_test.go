package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/test"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	invitations   []InvitationEmail
	cancellations []CancellationEmail
	err           error
}

func (s *fakeSender) SendInvitation(_ context.Context, e InvitationEmail) error {
	if s.err != nil {
		return s.err
	}
	s.invitations = append(s.invitations, e)
	return nil
}

func (s *fakeSender) SendCancellation(_ context.Context, e CancellationEmail) error {
	if s.err != nil {
		return s.err
	}
	s.cancellations = append(s.cancellations, e)
	return nil
}

var (
	eventID      = uuid.MustParse("6f1c7a52-5d0e-4a8e-9f57-1b8d5c0f3e21")
	invitationID = uuid.MustParse("0b4e2f4a-9a51-4b2e-8c43-7d1f6a2e9c10")
	eventDate    = time.Date(2026, 11, 20, 18, 30, 0, 0, time.UTC)
)

func payload(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNew(t *testing.T) {
	testcases := []struct {
		name      string
		sender    Sender
		baseURL   string
		wantPanic bool
	}{
		{name: "valid sender and base url", sender: &fakeSender{}, baseURL: "https://eventhub.test"},
		{name: "sender is nil", sender: nil, baseURL: "https://eventhub.test", wantPanic: true},
		{name: "base url is empty", sender: &fakeSender{}, baseURL: "", wantPanic: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() { New(tc.sender, tc.baseURL) })
			} else {
				assert.NotPanics(t, func() { New(tc.sender, tc.baseURL) })
			}
		})
	}
}

func TestHandle(t *testing.T) {
	location := "Main hall"
	expiresAt := eventDate.Add(-24 * time.Hour)
	invitationSent := domain.InvitationSent{
		EventID:          eventID,
		EventTitle:       "Go meetup",
		EventDateTime:    eventDate,
		EventLocation:    &location,
		InvitationID:     invitationID,
		ParticipantEmail: "ada@example.com",
		RSVPToken:        "a+b/c=",
		TokenExpiresAt:   expiresAt,
	}
	cancelled := domain.EventCancelled{
		EventID:                   eventID,
		EventTitle:                "Go meetup",
		EventDateTime:             eventDate,
		AffectedParticipantEmails: []string{"ada@example.com", "grace@example.com"},
	}
	responded := domain.InvitationResponded{
		EventID:          eventID,
		InvitationID:     invitationID,
		ParticipantEmail: "ada@example.com",
		Response:         domain.InvitationAccepted,
	}

	testcases := []struct {
		name              string
		msg               Message
		senderErr         error
		wantErr           error
		wantInvitations   []InvitationEmail
		wantCancellations []CancellationEmail
		wantSent          int64
		wantFailed        int64
	}{
		{
			name: "invitation sent",
			msg:  Message{ID: "1", Type: domain.InvitationSentType, Payload: payload(t, invitationSent)},
			wantInvitations: []InvitationEmail{{
				EventID:        eventID,
				InvitationID:   invitationID,
				To:             "ada@example.com",
				Subject:        "You're invited: Go meetup",
				EventTitle:     "Go meetup",
				EventDateTime:  eventDate,
				EventLocation:  &location,
				AcceptURL:      "https://eventhub.test/rsvp/" + invitationID.String() + "?token=a%2Bb%2Fc%3D&response=Accept",
				DeclineURL:     "https://eventhub.test/rsvp/" + invitationID.String() + "?token=a%2Bb%2Fc%3D&response=Decline",
				TokenExpiresAt: expiresAt,
			}},
			wantSent: 1,
		},
		{
			name: "event cancelled notifies every affected participant",
			msg:  Message{ID: "2", Type: domain.EventCancelledType, Payload: payload(t, cancelled)},
			wantCancellations: []CancellationEmail{
				{EventID: eventID, To: "ada@example.com", Subject: "Cancelled: Go meetup", EventTitle: "Go meetup", EventDateTime: eventDate},
				{EventID: eventID, To: "grace@example.com", Subject: "Cancelled: Go meetup", EventTitle: "Go meetup", EventDateTime: eventDate},
			},
			wantSent: 2,
		},
		{
			name: "routing only looks at the type suffix",
			msg:  Message{ID: "3", Type: "Legacy.Namespace.EventCancelled", Payload: payload(t, cancelled)},
			wantCancellations: []CancellationEmail{
				{EventID: eventID, To: "ada@example.com", Subject: "Cancelled: Go meetup", EventTitle: "Go meetup", EventDateTime: eventDate},
				{EventID: eventID, To: "grace@example.com", Subject: "Cancelled: Go meetup", EventTitle: "Go meetup", EventDateTime: eventDate},
			},
			wantSent: 2,
		},
		{
			name: "invitation responded sends nothing",
			msg:  Message{ID: "4", Type: domain.InvitationRespondedType, Payload: payload(t, responded)},
		},
		{
			name: "unknown type is acknowledged",
			msg:  Message{ID: "5", Type: "eventhub.domain.EventRescheduled", Payload: []byte(`{}`)},
		},
		{
			name:       "malformed payload",
			msg:        Message{ID: "6", Type: domain.InvitationSentType, Payload: []byte(`{"eventId":`)},
			wantErr:    ErrMalformedPayload,
			wantFailed: 1,
		},
		{
			name:       "sender failure is returned",
			msg:        Message{ID: "7", Type: domain.InvitationSentType, Payload: payload(t, invitationSent)},
			senderErr:  errors.New("smtp down"),
			wantFailed: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{err: tc.senderErr}
			sent, duplicated, failed := &test.TestCounter{}, &test.TestCounter{}, &test.TestCounter{}
			n := New(sender, "https://eventhub.test/", WithCounters(sent, duplicated, failed))

			err := n.Handle(context.Background(), tc.msg)
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.senderErr != nil:
				assert.ErrorIs(t, err, tc.senderErr)
			default:
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantInvitations, sender.invitations)
			assert.Equal(t, tc.wantCancellations, sender.cancellations)
			assert.Equal(t, tc.wantSent, sent.Ctr)
			assert.Equal(t, tc.wantFailed, failed.Ctr)
			assert.Zero(t, duplicated.Ctr)
		})
	}
}

func TestHandleSkipsDuplicates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &fakeSender{}
	sent, duplicated := &test.TestCounter{}, &test.TestCounter{}
	n := New(sender, "https://eventhub.test",
		WithDeduplicator(NewDeduplicator(time.Minute, clock)),
		WithCounters(sent, duplicated, nil))
	msg := Message{
		ID:   "42",
		Type: domain.EventCancelledType,
		Payload: payload(t, domain.EventCancelled{
			EventID:                   eventID,
			EventTitle:                "Go meetup",
			EventDateTime:             eventDate,
			AffectedParticipantEmails: []string{"ada@example.com"},
		}),
	}

	require.NoError(t, n.Handle(context.Background(), msg))
	require.NoError(t, n.Handle(context.Background(), msg))
	assert.Len(t, sender.cancellations, 1)
	assert.Equal(t, int64(1), sent.Ctr)
	assert.Equal(t, int64(1), duplicated.Ctr)

	clock.Advance(time.Minute)
	require.NoError(t, n.Handle(context.Background(), msg))
	assert.Len(t, sender.cancellations, 2)
}

func TestHandleDoesNotRememberFailures(t *testing.T) {
	sender := &fakeSender{err: errors.New("smtp down")}
	dedup := NewDeduplicator(time.Minute, clockwork.NewFakeClock())
	n := New(sender, "https://eventhub.test", WithDeduplicator(dedup))
	msg := Message{
		ID:   "43",
		Type: domain.EventCancelledType,
		Payload: payload(t, domain.EventCancelled{
			EventID:                   eventID,
			AffectedParticipantEmails: []string{"ada@example.com"},
		}),
	}

	assert.Error(t, n.Handle(context.Background(), msg))
	assert.False(t, dedup.Seen("43"))

	sender.err = nil
	assert.NoError(t, n.Handle(context.Background(), msg))
	assert.True(t, dedup.Seen("43"))
}

func TestRSVPLink(t *testing.T) {
	testcases := []struct {
		name     string
		baseURL  string
		token    string
		response string
		want     string
	}{
		{
			name:     "plain token",
			baseURL:  "https://eventhub.test",
			token:    "abc",
			response: "Accept",
			want:     "https://eventhub.test/rsvp/" + invitationID.String() + "?token=abc&response=Accept",
		},
		{
			name:     "trailing slash and escaped token",
			baseURL:  "https://eventhub.test/",
			token:    "a b&c",
			response: "Decline",
			want:     "https://eventhub.test/rsvp/" + invitationID.String() + "?token=a+b%26c&response=Decline",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RSVPLink(tc.baseURL, invitationID, tc.token, tc.response))
		})
	}
}
