// Command seed creates and publishes an event and invites the given
// participants, which leaves InvitationSent records in the outbox for the
// relay to pick up.
//
// Usage:
//
//	seed -organizer alice -title "Go meetup" -at 2026-11-20T18:30:00Z -invite ada@example.com,grace@example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventhub/app"
	"github.com/3rs4lg4d0/eventhub/config"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/internal/bootstrap"
	gtbxzrlg "github.com/3rs4lg4d0/eventhub/logger/zerolog"
	"github.com/3rs4lg4d0/eventhub/migrations"
	"github.com/3rs4lg4d0/eventhub/repository/pgxv5"
	"github.com/3rs4lg4d0/eventhub/token"
	"github.com/3rs4lg4d0/eventhub/uow"
	"github.com/rs/zerolog"
)

type options struct {
	organizer string
	title     string
	location  string
	at        time.Time
	capacity  int
	invite    []string
}

func main() {
	var (
		o      options
		at     string
		invite string
	)
	flag.StringVar(&o.organizer, "organizer", "", "organizer id")
	flag.StringVar(&o.title, "title", "", "event title")
	flag.StringVar(&o.location, "location", "", "event location")
	flag.StringVar(&at, "at", "", "event date and time (RFC 3339)")
	flag.IntVar(&o.capacity, "capacity", 0, "maximum number of accepted invitations, 0 for no limit")
	flag.StringVar(&invite, "invite", "", "comma separated participant emails")
	flag.Parse()

	var err error
	if o.at, err = time.Parse(time.RFC3339, at); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -at value: %v\n", err)
		os.Exit(2)
	}
	for _, email := range strings.Split(invite, ",") {
		if email = strings.TrimSpace(email); email != "" {
			o.invite = append(o.invite, email)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := bootstrap.Logger(cfg, "seed")
	if err := run(context.Background(), cfg, logger, o); err != nil {
		logger.Error().Err(err).Msg("seed failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger, o options) error {
	tokens, err := token.New(cfg.RSVP.HMACKey)
	if err != nil {
		return err
	}
	if err := migrations.Run(cfg.DatabaseURL, cfg.MigrationsPath, logger); err != nil {
		return err
	}
	pool, err := bootstrap.DatabasePool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := pgxv5.New(bootstrap.TxKey, pool)
	// records are only written here; the relay dispatches them
	gb := gtbx.New(gtbx.Settings{}, repo, nil, gtbx.WithLogger(gtbxzrlg.New(logger, "outbox")))
	svc := app.New(uow.New(repo, gb), repo, tokens,
		app.WithTokenTTL(cfg.RSVP.TokenTTL),
		app.WithLogger(logger))

	cmd := app.CreateEvent{OrganizerID: o.organizer, Title: o.title, DateTime: o.at}
	if o.location != "" {
		cmd.Location = &o.location
	}
	if o.capacity > 0 {
		cmd.Capacity = &o.capacity
	}
	eventID, err := svc.CreateEvent(ctx, cmd)
	if err != nil {
		return fmt.Errorf("could not create the event: %w", err)
	}
	if err := svc.PublishEvent(ctx, app.EventCommand{EventID: eventID, OrganizerID: o.organizer}); err != nil {
		return fmt.Errorf("could not publish the event: %w", err)
	}
	for _, email := range o.invite {
		invitationID, err := svc.SendInvitation(ctx, app.SendInvitation{
			EventID:          eventID,
			OrganizerID:      o.organizer,
			ParticipantEmail: email,
		})
		if err != nil {
			return fmt.Errorf("could not invite %s: %w", email, err)
		}
		logger.Info().Str("event_id", eventID.String()).Str("invitation_id", invitationID.String()).
			Str("email", email).Msg("invitation sent")
	}

	detail, err := svc.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	logger.Info().Str("event_id", eventID.String()).Str("status", string(detail.Status)).
		Int("invitations", len(detail.Invitations)).Msg("event seeded")
	return nil
}
