// Package app exposes the organizer and guest use cases. Every command runs
// in one unit of work so the resulting domain events reach the outbox in the
// same transaction as the state change.
package app

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/repository"
	"github.com/3rs4lg4d0/eventhub/token"
	"github.com/3rs4lg4d0/eventhub/uow"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultTokenTTL is the lifetime of an RSVP token.
const DefaultTokenTTL = 72 * time.Hour

type Service struct {
	uow      *uow.Manager
	events   repository.EventStore
	tokens   *token.Service
	clock    clockwork.Clock
	tokenTTL time.Duration
	logger   zerolog.Logger
}

type opt func(s *Service)

func WithClock(c clockwork.Clock) opt {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithTokenTTL(ttl time.Duration) opt {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

func WithLogger(l zerolog.Logger) opt {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates the service. The unit of work, the event store used by the
// queries and the token service are mandatory.
func New(m *uow.Manager, events repository.EventStore, tokens *token.Service, options ...opt) *Service {
	if m == nil || events == nil || tokens == nil {
		panic("unit of work, event store and token service are mandatory")
	}
	s := &Service{
		uow:      m,
		events:   events,
		tokens:   tokens,
		clock:    clockwork.NewRealClock(),
		tokenTTL: DefaultTokenTTL,
		logger:   zerolog.Nop(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Service) CreateEvent(ctx context.Context, cmd CreateEvent) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.handle(ctx, "CreateEvent", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := domain.Create(cmd.details(), cmd.OrganizerID, s.now())
		if err != nil {
			return err
		}
		u.Add(e)
		id = e.ID()
		return nil
	})
	return id, err
}

func (s *Service) UpdateEvent(ctx context.Context, cmd UpdateEvent) error {
	return s.handle(ctx, "UpdateEvent", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := s.loadOwned(ctx, u, cmd.EventID, cmd.OrganizerID)
		if err != nil {
			return err
		}
		if err := e.Update(cmd.details(), s.now()); err != nil {
			return err
		}
		u.Changed(e)
		return nil
	})
}

func (s *Service) PublishEvent(ctx context.Context, cmd EventCommand) error {
	return s.handle(ctx, "PublishEvent", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := s.loadOwned(ctx, u, cmd.EventID, cmd.OrganizerID)
		if err != nil {
			return err
		}
		if err := e.Publish(s.now()); err != nil {
			return err
		}
		u.Changed(e)
		return nil
	})
}

func (s *Service) CancelEvent(ctx context.Context, cmd EventCommand) error {
	return s.handle(ctx, "CancelEvent", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := s.loadOwned(ctx, u, cmd.EventID, cmd.OrganizerID)
		if err != nil {
			return err
		}
		events, err := e.Cancel(s.now())
		if err != nil {
			return err
		}
		u.Changed(e, events...)
		return nil
	})
}

// SendInvitation invites a participant and returns the new invitation id.
// The raw token only travels in the InvitationSent outbox record.
func (s *Service) SendInvitation(ctx context.Context, cmd SendInvitation) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.handle(ctx, "SendInvitation", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := s.loadOwned(ctx, u, cmd.EventID, cmd.OrganizerID)
		if err != nil {
			return err
		}
		now := s.now()
		invitationID := uuid.New()
		expiresAt := now.Add(s.tokenTTL)
		raw, hash := s.tokens.Generate(invitationID, domain.NormalizeEmail(cmd.ParticipantEmail), expiresAt)
		inv, events, err := e.AddInvitation(domain.InvitationParams{
			ID:        invitationID,
			Email:     cmd.ParticipantEmail,
			RawToken:  raw,
			TokenHash: hash,
			ExpiresAt: expiresAt,
		}, now)
		if err != nil {
			return err
		}
		u.Changed(e, events...)
		id = inv.ID()
		return nil
	})
	return id, err
}

func (s *Service) CancelInvitation(ctx context.Context, cmd InvitationCommand) error {
	return s.handle(ctx, "CancelInvitation", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := s.loadOwned(ctx, u, cmd.EventID, cmd.OrganizerID)
		if err != nil {
			return err
		}
		if err := e.CancelInvitation(cmd.InvitationID, s.now()); err != nil {
			return err
		}
		u.Changed(e)
		return nil
	})
}

// ReissueInvitationToken replaces the token of a pending invitation, which
// invalidates every link sent before.
func (s *Service) ReissueInvitationToken(ctx context.Context, cmd InvitationCommand) error {
	return s.handle(ctx, "ReissueInvitationToken", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := s.loadOwned(ctx, u, cmd.EventID, cmd.OrganizerID)
		if err != nil {
			return err
		}
		inv, ok := e.Invitation(cmd.InvitationID)
		if !ok {
			return domain.ErrInvitationNotFound
		}
		now := s.now()
		expiresAt := now.Add(s.tokenTTL)
		raw, hash := s.tokens.Generate(inv.ID(), inv.ParticipantEmail(), expiresAt)
		events, err := e.ReissueInvitationToken(inv.ID(), raw, hash, expiresAt, now)
		if err != nil {
			return err
		}
		u.Changed(e, events...)
		return nil
	})
}

// RespondToInvitation records the answer of a guest. The token is checked
// before the aggregate is touched: an absent token means the link was already
// used or the invitation withdrawn.
func (s *Service) RespondToInvitation(ctx context.Context, cmd RespondToInvitation) error {
	return s.handle(ctx, "RespondToInvitation", cmd.Validate, func(ctx context.Context, u *uow.Session) error {
		e, err := u.LoadByInvitation(ctx, cmd.InvitationID)
		if err != nil {
			return err
		}
		inv, ok := e.Invitation(cmd.InvitationID)
		if !ok {
			return domain.ErrInvitationNotFound
		}
		t, ok := inv.Token()
		if !ok {
			return domain.ErrTokenUsed
		}
		if !s.tokens.IsValid(cmd.RawToken, t.Hash, t.ExpiresAt) {
			return domain.ErrInvalidToken
		}
		var events []domain.DomainEvent
		if cmd.Response == Accept {
			events, err = e.AcceptInvitation(inv.ID(), s.now())
		} else {
			events, err = e.DeclineInvitation(inv.ID(), s.now())
		}
		if err != nil {
			return err
		}
		u.Changed(e, events...)
		return nil
	})
}

func (s *Service) loadOwned(ctx context.Context, u *uow.Session, id uuid.UUID, organizerID string) (*domain.Event, error) {
	e, err := u.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.OrganizerID() != organizerID {
		return nil, domain.ErrNotOrganizer
	}
	return e, nil
}

// handle validates the command, runs it in a unit of work and logs its name,
// duration and outcome.
func (s *Service) handle(ctx context.Context, name string, validate func() error, fn func(ctx context.Context, u *uow.Session) error) error {
	s.logger.Debug().Str("command", name).Msg("handling command")
	start := s.clock.Now()
	err := validate()
	if err == nil {
		err = s.uow.Run(ctx, fn)
	}
	elapsed := s.clock.Since(start)
	if err != nil {
		s.logger.Error().Err(err).Str("command", name).Dur("elapsed", elapsed).Msg("command failed")
		return err
	}
	s.logger.Info().Str("command", name).Dur("elapsed", elapsed).Msg("command handled")
	return nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}
