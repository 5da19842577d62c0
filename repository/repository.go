package repository

import (
	"context"
	"errors"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/google/uuid"
)

// ErrConcurrencyConflict is returned when an event was changed by another
// transaction since it was loaded. Callers must reload and retry.
var ErrConcurrencyConflict = errors.New("the event was modified concurrently, reload and retry")

// EventStore persists Event aggregates. Implementations read and write
// through the transaction stored in the context when there is one.
type EventStore interface {
	// Load returns domain.ErrEventNotFound when the event does not exist.
	Load(ctx context.Context, id uuid.UUID) (*domain.Event, error)

	// LoadByInvitation loads the event owning the invitation. It returns
	// domain.ErrInvitationNotFound when no such invitation exists.
	LoadByInvitation(ctx context.Context, invitationID uuid.UUID) (*domain.Event, error)

	// ListByOrganizer returns the events of an organizer, latest date first.
	ListByOrganizer(ctx context.Context, organizerID string) ([]*domain.Event, error)

	// Insert stores a new event and returns its first version.
	Insert(ctx context.Context, e *domain.Event) (version int64, err error)

	// Update stores the event if its version is still the stored one and
	// returns the new version, or ErrConcurrencyConflict otherwise.
	Update(ctx context.Context, e *domain.Event) (version int64, err error)
}

// Transactor runs fn inside a transaction carried by the context passed to
// fn. The transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is what a storage backend provides: events, transactions and the
// outbox table, all sharing the same transaction.
type Store interface {
	EventStore
	Transactor
	gtbx.Repository
}
