package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventhub/domain"
	"github.com/3rs4lg4d0/eventhub/gtbx"
	"github.com/3rs4lg4d0/eventhub/repository"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func newEvent(t *testing.T, organizer string, in time.Duration) *domain.Event {
	t.Helper()
	e, err := domain.Create(domain.Details{Title: "Party", DateTime: testNow.Add(in)}, organizer, testNow)
	require.NoError(t, err)
	return e
}

func insert(t *testing.T, r *Repository, e *domain.Event) {
	t.Helper()
	err := r.WithinTransaction(context.Background(), func(ctx context.Context) error {
		v, err := r.Insert(ctx, e)
		e.MarkPersisted(v)
		return err
	})
	require.NoError(t, err)
}

func TestWithinTransaction(t *testing.T) {
	r := New()
	e := newEvent(t, "org", time.Hour)

	boom := errors.New("boom")
	err := r.WithinTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := r.Insert(ctx, e); err != nil {
			return err
		}
		if err := r.Save(ctx, &gtbx.OutboxRecord{Id: uuid.New()}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = r.Load(context.Background(), e.ID())
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
	assert.Empty(t, r.Outbox())

	insert(t, r, e)
	loaded, err := r.Load(context.Background(), e.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version())
}

func TestWritesRequireATransaction(t *testing.T) {
	r := New()
	e := newEvent(t, "org", time.Hour)
	_, err := r.Insert(context.Background(), e)
	assert.Error(t, err)
	_, err = r.Update(context.Background(), e)
	assert.Error(t, err)
	assert.Error(t, r.Save(context.Background(), &gtbx.OutboxRecord{}))
}

func TestUpdateConcurrencyConflict(t *testing.T) {
	r := New()
	e := newEvent(t, "org", time.Hour)
	insert(t, r, e)

	first, _ := r.Load(context.Background(), e.ID())
	second, _ := r.Load(context.Background(), e.ID())

	err := r.WithinTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, first.Publish(testNow))
		_, err := r.Update(ctx, first)
		return err
	})
	require.NoError(t, err)

	err = r.WithinTransaction(context.Background(), func(ctx context.Context) error {
		_, err := second.Cancel(testNow)
		require.NoError(t, err)
		_, err = r.Update(ctx, second)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrConcurrencyConflict)

	stored, _ := r.Load(context.Background(), e.ID())
	assert.Equal(t, domain.StatusPublished, stored.Status())
	assert.Equal(t, int64(2), stored.Version())
}

func TestCommitRechecksVersions(t *testing.T) {
	r := New()
	e := newEvent(t, "org", time.Hour)
	insert(t, r, e)
	a, _ := r.Load(context.Background(), e.ID())
	b, _ := r.Load(context.Background(), e.ID())

	// both transactions stage their update before either commits
	errA := r.WithinTransaction(context.Background(), func(ctxA context.Context) error {
		_, err := r.Update(ctxA, a)
		require.NoError(t, err)
		return r.WithinTransaction(context.Background(), func(ctxB context.Context) error {
			_, err := r.Update(ctxB, b)
			return err
		})
	})
	assert.ErrorIs(t, errA, repository.ErrConcurrencyConflict)
}

func TestLoadByInvitationAndList(t *testing.T) {
	r := New()
	late := newEvent(t, "org", 48*time.Hour)
	early := newEvent(t, "org", 24*time.Hour)
	other := newEvent(t, "someone-else", time.Hour)
	for _, e := range []*domain.Event{late, early, other} {
		require.NoError(t, e.Publish(testNow))
		insert(t, r, e)
	}

	var invitationID uuid.UUID
	err := r.WithinTransaction(context.Background(), func(ctx context.Context) error {
		e, err := r.Load(ctx, early.ID())
		require.NoError(t, err)
		inv, _, err := e.AddInvitation(domain.InvitationParams{Email: "guest@example.com", TokenHash: "h", ExpiresAt: testNow.Add(time.Hour)}, testNow)
		require.NoError(t, err)
		invitationID = inv.ID()
		_, err = r.Update(ctx, e)
		return err
	})
	require.NoError(t, err)

	byInvitation, err := r.LoadByInvitation(context.Background(), invitationID)
	require.NoError(t, err)
	assert.Equal(t, early.ID(), byInvitation.ID())

	_, err = r.LoadByInvitation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrInvitationNotFound)

	list, err := r.ListByOrganizer(context.Background(), "org")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, late.ID(), list[0].ID())
	assert.Equal(t, early.ID(), list[1].ID())
}

func TestOutboxLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	r := New(WithClock(clock))
	first := &gtbx.OutboxRecord{Id: uuid.New(), CreatedAt: testNow}
	second := &gtbx.OutboxRecord{Id: uuid.New(), CreatedAt: testNow}
	err := r.WithinTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, r.Save(ctx, first))
		return r.Save(ctx, second)
	})
	require.NoError(t, err)

	found, err := r.FindUnpublished(context.Background(), testNow, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, first.Id, found[0].Id)

	require.NoError(t, r.MarkFailed(context.Background(), first.Id, "boom", testNow.Add(time.Minute)))
	require.NoError(t, r.MarkPublished(context.Background(), second.Id, testNow))

	found, _ = r.FindUnpublished(context.Background(), testNow, 10)
	assert.Empty(t, found)
	found, _ = r.FindUnpublished(context.Background(), testNow.Add(time.Minute), 10)
	require.Len(t, found, 1)
	assert.Equal(t, 1, found[0].RetryCount)
	assert.Equal(t, "boom", *found[0].LastError)

	assert.Error(t, r.MarkPublished(context.Background(), uuid.New(), testNow))
}

func TestLockAndSubscriptions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	r := New(WithClock(clock))
	ctx := context.Background()
	d1, d2, d3 := uuid.New(), uuid.New(), uuid.New()

	ok, err := r.AcquireLock(ctx, d1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = r.AcquireLock(ctx, d2, time.Minute)
	assert.False(t, ok)
	assert.Error(t, r.ReleaseLock(ctx, d2))

	clock.Advance(2 * time.Minute)
	ok, _ = r.AcquireLock(ctx, d2, time.Minute)
	assert.True(t, ok, "an expired lease can be taken over")
	assert.NoError(t, r.ReleaseLock(ctx, d2))

	subscribed, n, _ := r.SubscribeDispatcher(ctx, d1, 2)
	assert.True(t, subscribed)
	assert.Equal(t, 1, n)
	subscribed, n, _ = r.SubscribeDispatcher(ctx, d2, 2)
	assert.True(t, subscribed)
	assert.Equal(t, 2, n)
	subscribed, _, _ = r.SubscribeDispatcher(ctx, d3, 2)
	assert.False(t, subscribed)

	clock.Advance(gtbx.SubsExpirationAfter + time.Second)
	updated, _ := r.UpdateSubscription(ctx, d2)
	assert.True(t, updated)
	subscribed, n, _ = r.SubscribeDispatcher(ctx, d3, 2)
	assert.True(t, subscribed)
	assert.Equal(t, 1, n, "the expired first slot is reused")
	updated, _ = r.UpdateSubscription(ctx, d1)
	assert.False(t, updated)
}
