// Package memory is an in-process Store used by tests and local runs. It
// keeps the same transactional guarantees as the SQL backends: writes are
// staged in the transaction and applied atomically on commit after the
// event versions were checked again.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/repository"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type txKey struct{}

type tx struct {
	events   map[uuid.UUID]domain.EventSnapshot
	expected map[uuid.UUID]int64 // version each staged event must still have at commit
	outbox   []gtbx.OutboxRecord
}

type subscription struct {
	dispatcherId uuid.UUID
	aliveAt      time.Time
}

type Repository struct {
	mu            sync.RWMutex
	events        map[uuid.UUID]domain.EventSnapshot
	outbox        map[uuid.UUID]*gtbx.OutboxRecord
	outboxOrder   []uuid.UUID // commit order, breaks ties between equal timestamps
	lockedBy      uuid.UUID
	lockedUntil   time.Time
	subscriptions []subscription
	clock         clockwork.Clock
	logger        gtbx.Logger
}

var _ repository.Store = (*Repository)(nil)
var _ gtbx.Loggable = (*Repository)(nil)

type opt func(r *Repository)

func WithClock(c clockwork.Clock) opt {
	return func(r *Repository) {
		if c != nil {
			r.clock = c
		}
	}
}

func New(options ...opt) *Repository {
	r := &Repository{
		events: map[uuid.UUID]domain.EventSnapshot{},
		outbox: map[uuid.UUID]*gtbx.OutboxRecord{},
		clock:  clockwork.NewRealClock(),
		logger: &gtbx.NopLogger{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gtbx.Logger) {
	r.logger = l
}

func currentTx(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if currentTx(ctx) != nil {
		return fn(ctx)
	}
	t := &tx{
		events:   map[uuid.UUID]domain.EventSnapshot{},
		expected: map[uuid.UUID]int64{},
	}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	return r.commit(t)
}

func (r *Repository) commit(t *tx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, want := range t.expected {
		current, ok := r.events[id]
		if want == 0 && ok {
			return fmt.Errorf("event %s: %w", id, repository.ErrConcurrencyConflict)
		}
		if want != 0 && (!ok || current.Version != want) {
			return fmt.Errorf("event %s: %w", id, repository.ErrConcurrencyConflict)
		}
	}
	for id, s := range t.events {
		r.events[id] = s
	}
	for i := range t.outbox {
		o := t.outbox[i]
		r.outbox[o.Id] = &o
		r.outboxOrder = append(r.outboxOrder, o.Id)
	}
	return nil
}

func (r *Repository) snapshot(ctx context.Context, id uuid.UUID) (domain.EventSnapshot, bool) {
	if t := currentTx(ctx); t != nil {
		if s, ok := t.events[id]; ok {
			return s, true
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.events[id]
	return s, ok
}

func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	s, ok := r.snapshot(ctx, id)
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrEventNotFound)
	}
	return domain.Rehydrate(s), nil
}

func (r *Repository) LoadByInvitation(ctx context.Context, invitationID uuid.UUID) (*domain.Event, error) {
	var eventID uuid.UUID
	if t := currentTx(ctx); t != nil {
		eventID = findInvitation(t.events, invitationID)
	}
	if eventID == uuid.Nil {
		r.mu.RLock()
		eventID = findInvitation(r.events, invitationID)
		r.mu.RUnlock()
	}
	if eventID == uuid.Nil {
		return nil, fmt.Errorf("invitation %s: %w", invitationID, domain.ErrInvitationNotFound)
	}
	return r.Load(ctx, eventID)
}

func findInvitation(events map[uuid.UUID]domain.EventSnapshot, invitationID uuid.UUID) uuid.UUID {
	for id, s := range events {
		for _, i := range s.Invitations {
			if i.ID == invitationID {
				return id
			}
		}
	}
	return uuid.Nil
}

func (r *Repository) ListByOrganizer(ctx context.Context, organizerID string) ([]*domain.Event, error) {
	r.mu.RLock()
	var out []*domain.Event
	for _, s := range r.events {
		if s.OrganizerID == organizerID {
			out = append(out, domain.Rehydrate(s))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DateTime().After(out[j].DateTime()) })
	return out, nil
}

func (r *Repository) Insert(ctx context.Context, e *domain.Event) (int64, error) {
	t := currentTx(ctx)
	if t == nil {
		return 0, errors.New("a memory transaction was expected")
	}
	if _, exists := r.snapshot(ctx, e.ID()); exists {
		return 0, fmt.Errorf("event %s: %w", e.ID(), repository.ErrConcurrencyConflict)
	}
	s := e.Snapshot()
	s.Version = 1
	t.events[s.ID] = s
	t.expected[s.ID] = 0
	return s.Version, nil
}

func (r *Repository) Update(ctx context.Context, e *domain.Event) (int64, error) {
	t := currentTx(ctx)
	if t == nil {
		return 0, errors.New("a memory transaction was expected")
	}
	current, ok := r.snapshot(ctx, e.ID())
	if !ok {
		return 0, fmt.Errorf("event %s: %w", e.ID(), domain.ErrEventNotFound)
	}
	if current.Version != e.Version() {
		return 0, fmt.Errorf("event %s: %w", e.ID(), repository.ErrConcurrencyConflict)
	}
	s := e.Snapshot()
	s.Version = e.Version() + 1
	if _, staged := t.expected[s.ID]; !staged {
		t.expected[s.ID] = e.Version()
	}
	t.events[s.ID] = s
	return s.Version, nil
}

// Save stages an outbox record in the transaction found in the context.
func (r *Repository) Save(ctx context.Context, o *gtbx.OutboxRecord) error {
	t := currentTx(ctx)
	if t == nil {
		return errors.New("a memory transaction was expected")
	}
	t.outbox = append(t.outbox, *o)
	return nil
}

func (r *Repository) AcquireLock(_ context.Context, dispatcherId uuid.UUID, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if r.lockedBy != uuid.Nil && r.lockedUntil.After(now) {
		return false, nil
	}
	r.lockedBy = dispatcherId
	r.lockedUntil = now.Add(ttl)
	r.logger.Debug(fmt.Sprintf("the lock was acquired by %s", dispatcherId))
	return true, nil
}

func (r *Repository) ReleaseLock(_ context.Context, dispatcherId uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockedBy != dispatcherId {
		return fmt.Errorf("unexpected lock status: the lock should be locked by %s", dispatcherId)
	}
	r.lockedBy = uuid.Nil
	r.lockedUntil = time.Time{}
	return nil
}

func (r *Repository) FindUnpublished(_ context.Context, now time.Time, limit int) ([]*gtbx.OutboxRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*gtbx.OutboxRecord
	for _, id := range r.outboxOrder {
		o := r.outbox[id]
		if o.PublishedAt == nil && (o.NextAttemptAt == nil || !o.NextAttemptAt.After(now)) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outbox[id]
	if !ok {
		return fmt.Errorf("outbox record %s not found", id)
	}
	o.PublishedAt = &at
	o.LastError = nil
	return nil
}

func (r *Repository) MarkFailed(_ context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outbox[id]
	if !ok {
		return fmt.Errorf("outbox record %s not found", id)
	}
	o.LastError = &reason
	o.RetryCount++
	o.NextAttemptAt = &nextAttemptAt
	return nil
}

func (r *Repository) SubscribeDispatcher(_ context.Context, dispatcherId uuid.UUID, maxDispatchers int) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for i, s := range r.subscriptions {
		if s.aliveAt.Add(gtbx.SubsExpirationAfter).Before(now) {
			r.subscriptions[i] = subscription{dispatcherId: dispatcherId, aliveAt: now}
			return true, i + 1, nil
		}
	}
	if len(r.subscriptions) >= maxDispatchers {
		return false, 0, nil
	}
	r.subscriptions = append(r.subscriptions, subscription{dispatcherId: dispatcherId, aliveAt: now})
	return true, len(r.subscriptions), nil
}

func (r *Repository) UpdateSubscription(_ context.Context, dispatcherId uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subscriptions {
		if s.dispatcherId == dispatcherId {
			r.subscriptions[i].aliveAt = r.clock.Now()
			return true, nil
		}
	}
	return false, nil
}

// Outbox returns a copy of every outbox record, oldest first.
func (r *Repository) Outbox() []gtbx.OutboxRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gtbx.OutboxRecord, 0, len(r.outbox))
	for _, id := range r.outboxOrder {
		out = append(out, *r.outbox[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
