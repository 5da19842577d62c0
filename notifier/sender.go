package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LogSender writes the emails to the log instead of delivering them.
type LogSender struct {
	Logger zerolog.Logger
}

var _ Sender = (*LogSender)(nil)

func (s *LogSender) SendInvitation(_ context.Context, e InvitationEmail) error {
	s.Logger.Info().
		Str("to", e.To).
		Str("subject", e.Subject).
		Str("event_id", e.EventID.String()).
		Str("invitation_id", e.InvitationID.String()).
		Time("event_date_time", e.EventDateTime).
		Str("accept_url", e.AcceptURL).
		Str("decline_url", e.DeclineURL).
		Time("token_expires_at", e.TokenExpiresAt).
		Msg("invitation email")
	return nil
}

func (s *LogSender) SendCancellation(_ context.Context, e CancellationEmail) error {
	s.Logger.Info().
		Str("to", e.To).
		Str("subject", e.Subject).
		Str("event_id", e.EventID.String()).
		Time("event_date_time", e.EventDateTime).
		Msg("cancellation email")
	return nil
}

const (
	kindInvitation   = "InvitationSent"
	kindCancellation = "EventCancelled"
)

type sentEmail struct {
	PartitionKey string `gorm:"primaryKey"`
	RowKey       string `gorm:"primaryKey"`
	Kind         string
	Recipient    string
	Subject      string
	Body         string
	SentAt       time.Time
}

func (sentEmail) TableName() string { return "sent_emails" }

// TableSender stores the emails in the 'sent_emails' table. Rows are keyed
// by event and invitation (or recipient) so a redelivered message or a
// reissued token overwrites the previous row.
type TableSender struct {
	db    *gorm.DB
	clock clockwork.Clock
}

var _ Sender = (*TableSender)(nil)

func NewTableSender(db *gorm.DB, clock clockwork.Clock) *TableSender {
	if db == nil {
		panic("db is mandatory")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TableSender{db: db, clock: clock}
}

func (s *TableSender) SendInvitation(ctx context.Context, e InvitationEmail) error {
	body := fmt.Sprintf("You have been invited to %s on %s.\n\nAccept: %s\nDecline: %s\n\nThis link expires on %s.",
		e.EventTitle, e.EventDateTime.UTC().Format(time.RFC1123), e.AcceptURL, e.DeclineURL,
		e.TokenExpiresAt.UTC().Format(time.RFC1123))
	return s.upsert(ctx, sentEmail{
		PartitionKey: e.EventID.String(),
		RowKey:       e.InvitationID.String(),
		Kind:         kindInvitation,
		Recipient:    e.To,
		Subject:      e.Subject,
		Body:         body,
	})
}

func (s *TableSender) SendCancellation(ctx context.Context, e CancellationEmail) error {
	body := fmt.Sprintf("%s, planned for %s, has been cancelled.",
		e.EventTitle, e.EventDateTime.UTC().Format(time.RFC1123))
	return s.upsert(ctx, sentEmail{
		PartitionKey: e.EventID.String(),
		RowKey:       uuid.NewSHA1(e.EventID, []byte(e.To)).String(),
		Kind:         kindCancellation,
		Recipient:    e.To,
		Subject:      e.Subject,
		Body:         body,
	})
}

func (s *TableSender) upsert(ctx context.Context, row sentEmail) error {
	row.SentAt = s.clock.Now().UTC()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "partition_key"}, {Name: "row_key"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("could not store the %s email for %s: %w", row.Kind, row.Recipient, err)
	}
	return nil
}
