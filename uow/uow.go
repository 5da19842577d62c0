// Package uow turns aggregate mutations into a single atomic write: the
// aggregate state and the outbox records of the domain events it raised are
// stored in the same transaction.
package uow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/repository"
	"github.com/google/uuid"
)

// Store is the part of a storage backend the unit of work needs.
type Store interface {
	repository.EventStore
	repository.Transactor
}

// Publisher writes an outbox record inside the transaction found in the
// context. *gtbx.Goutbox implements it.
type Publisher interface {
	Publish(ctx context.Context, o *gtbx.Outbox) error
}

type Manager struct {
	store     Store
	publisher Publisher
}

// New creates a Manager. Both the store and the publisher are mandatory.
func New(s Store, p Publisher) *Manager {
	if s == nil {
		panic("store is mandatory")
	}
	if p == nil {
		panic("publisher is mandatory")
	}
	return &Manager{store: s, publisher: p}
}

// Run executes fn inside a transaction and then saves every aggregate the
// session tracked together with its pending domain events. Nothing is written
// when fn fails.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	s := newSession(m.store)
	err := m.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := fn(ctx, s); err != nil {
			return err
		}
		return m.flush(ctx, s)
	})
	if err != nil {
		return err
	}
	s.committed()
	return nil
}

func (m *Manager) flush(ctx context.Context, s *Session) error {
	for _, t := range s.tracked {
		if !t.dirty {
			continue
		}
		var (
			version int64
			err     error
		)
		if t.added {
			version, err = m.store.Insert(ctx, t.event)
		} else {
			version, err = m.store.Update(ctx, t.event)
		}
		if err != nil {
			return err
		}
		t.version = version

		for _, de := range s.pending[t.event.ID()] {
			o, err := toOutbox(de)
			if err != nil {
				return err
			}
			if err := m.publisher.Publish(ctx, o); err != nil {
				return fmt.Errorf("error writing outbox record for %s: %w", de.EventType(), err)
			}
		}
	}
	return nil
}

func toOutbox(de domain.DomainEvent) (*gtbx.Outbox, error) {
	payload, err := json.Marshal(de)
	if err != nil {
		return nil, fmt.Errorf("error serializing %s: %w", de.EventType(), err)
	}
	return &gtbx.Outbox{
		AggregateType: domain.AggregateType,
		AggregateId:   de.AggregateID().String(),
		EventType:     de.EventType(),
		Payload:       payload,
	}, nil
}

type tracked struct {
	event   *domain.Event
	added   bool
	dirty   bool
	version int64
}

// Session tracks the aggregates loaded, added or changed during one unit of
// work and the domain events waiting to be written for each of them.
type Session struct {
	store   repository.EventStore
	tracked []*tracked
	byID    map[uuid.UUID]*tracked
	pending map[uuid.UUID][]domain.DomainEvent
}

func newSession(store repository.EventStore) *Session {
	return &Session{
		store:   store,
		byID:    map[uuid.UUID]*tracked{},
		pending: map[uuid.UUID][]domain.DomainEvent{},
	}
}

// Load returns the event with the given id. Loading the same event twice
// returns the same instance.
func (s *Session) Load(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	if t, ok := s.byID[id]; ok {
		return t.event, nil
	}
	e, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.track(e, false)
	return e, nil
}

// LoadByInvitation returns the event owning the invitation.
func (s *Session) LoadByInvitation(ctx context.Context, invitationID uuid.UUID) (*domain.Event, error) {
	for _, t := range s.tracked {
		if _, ok := t.event.Invitation(invitationID); ok {
			return t.event, nil
		}
	}
	e, err := s.store.LoadByInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if t, ok := s.byID[e.ID()]; ok {
		return t.event, nil
	}
	s.track(e, false)
	return e, nil
}

// Add registers a new event to be inserted along with the events it raised.
func (s *Session) Add(e *domain.Event, events ...domain.DomainEvent) {
	t := s.track(e, true)
	t.dirty = true
	s.enqueue(e.ID(), events)
}

// Changed registers a mutation of a tracked or loaded event.
func (s *Session) Changed(e *domain.Event, events ...domain.DomainEvent) {
	t, ok := s.byID[e.ID()]
	if !ok {
		t = s.track(e, false)
	}
	t.dirty = true
	s.enqueue(e.ID(), events)
}

// Pending returns the domain events not written yet for an event.
func (s *Session) Pending(id uuid.UUID) []domain.DomainEvent {
	return append([]domain.DomainEvent(nil), s.pending[id]...)
}

func (s *Session) track(e *domain.Event, added bool) *tracked {
	if t, ok := s.byID[e.ID()]; ok {
		t.added = t.added || added
		return t
	}
	t := &tracked{event: e, added: added}
	s.tracked = append(s.tracked, t)
	s.byID[e.ID()] = t
	return t
}

func (s *Session) enqueue(id uuid.UUID, events []domain.DomainEvent) {
	if len(events) == 0 {
		return
	}
	s.pending[id] = append(s.pending[id], events...)
}

func (s *Session) committed() {
	for _, t := range s.tracked {
		if t.dirty {
			t.event.MarkPersisted(t.version)
			t.dirty = false
			t.added = false
		}
	}
	s.pending = map[uuid.UUID][]domain.DomainEvent{}
}
